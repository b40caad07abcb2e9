// Package book は書籍サービスの URL と HTML を扱います。
// ネットワークアクセスは行わず、取得済みのページ本文から必要な情報を取り出すだけです。
package book

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultBaseURL は書籍サービスの既定の URL です。
const DefaultBaseURL = "http://books.google.com"

const restrictedMarker = "/googlebooks/restricted_logo.gif"

var (
	// ErrParse はページ本文から期待した情報が取り出せなかったことを表します。
	ErrParse = errors.New("parse error")
	// ErrRestricted はページ画像へのアクセスが制限されていることを表します。
	ErrRestricted = errors.New("page access restricted")
)

var (
	idQueryPattern   = regexp.MustCompile(`[?&]?id=([^&]+)`)
	idPathPattern    = regexp.MustCompile(`([^/]+)\?`)
	encodingTag      = regexp.MustCompile(`(?i)<input[^>]*\sname="?ie"?[^>]*>`)
	encodingValue    = regexp.MustCompile(`value="(.*?)"`)
	ocRunPattern     = regexp.MustCompile(`_OC_Run\((.*?)\);`)
	attributionBy    = regexp.MustCompile(`^By\s+`)
	preloadPattern   = regexp.MustCompile(`preloadImg\.src = '([^']*?)'`)
	widthPattern     = regexp.MustCompile(`w=(\d+)`)
	hexEscapePattern = regexp.MustCompile(`\\x([0-9a-fA-F]{2})|\\u([0-9a-fA-F]{4})`)
)

// Info は書籍のメタデータです。
type Info struct {
	Prefix      string   `json:"prefix"`
	PageIDs     []string `json:"pageIds"`
	Title       string   `json:"title"`
	Attribution string   `json:"attribution"`
	MaxWidth    int      `json:"maxWidth"`
	MaxHeight   int      `json:"maxHeight"`
}

// Pages はページ数を返します。
func (i *Info) Pages() int {
	return len(i.PageIDs)
}

// DirName は出力ディレクトリ名（"著者 - 書名"）を返します。
func (i *Info) DirName() string {
	return SafeName(fmt.Sprintf("%s - %s", i.Attribution, i.Title), MaxNameLength)
}

// PDFName は PDF のファイル名を返します。著者が空なら書名のみを使います。
func (i *Info) PDFName() string {
	name := i.Title + ".pdf"
	if i.Attribution != "" {
		name = fmt.Sprintf("%s - %s.pdf", i.Attribution, i.Title)
	}
	return SafeName(name, MaxNameLength)
}

// ParseID は書籍 ID または書籍ページの URL から ID を取り出します。
func ParseID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty book id", ErrParse)
	}
	if !strings.Contains(s, "/") {
		return s, nil
	}
	if m := idQueryPattern.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	if m := idPathPattern.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: cannot extract id from URL: %s", ErrParse, s)
}

// CoverURL は表紙ページの URL を返します。
func CoverURL(baseURL, id string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return fmt.Sprintf("%s/books/edition/_/%s?hl=en&gbpv=1&printsec=frontcover",
		strings.TrimRight(baseURL, "/"), url.PathEscape(id))
}

// PageURL はページ ID に対応するページの URL を返します。
func PageURL(prefix, pageID string) string {
	return prefix + "&pg=" + pageID
}

type pagesArg struct {
	Prefix string `json:"prefix"`
	Page   *[]struct {
		PID   string `json:"pid"`
		Order int    `json:"order"`
	} `json:"page"`
}

type bookArg struct {
	Title       string `json:"title"`
	Attribution string `json:"attribution"`
	MaxWidth    int    `json:"max_resolution_image_width"`
	MaxHeight   int    `json:"max_resolution_image_height"`
}

// ParseInfo は表紙ページの HTML から書籍情報を取り出します。
func ParseInfo(cover []byte) (*Info, error) {
	text, err := decodeCover(cover)
	if err != nil {
		return nil, err
	}

	m := ocRunPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: no JS function _OC_Run() found in HTML", ErrParse)
	}
	var args []json.RawMessage
	if err := json.Unmarshal([]byte("["+m[1]+"]"), &args); err != nil {
		return nil, fmt.Errorf("%w: invalid _OC_Run() arguments: %v", ErrParse, err)
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: expecting at least 2 arguments in function _OC_Run()", ErrParse)
	}

	var pages pagesArg
	if err := json.Unmarshal(args[0], &pages); err != nil {
		return nil, fmt.Errorf("%w: invalid page info: %v", ErrParse, err)
	}
	if pages.Page == nil {
		return nil, fmt.Errorf("%w: cannot find page info", ErrParse)
	}
	var meta bookArg
	if err := json.Unmarshal(args[1], &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid book info: %v", ErrParse, err)
	}

	entries := *pages.Page
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].Order < entries[b].Order })
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no page ids found", ErrParse)
	}

	return &Info{
		Prefix:      pages.Prefix,
		PageIDs:     ids,
		Title:       html.UnescapeString(meta.Title),
		Attribution: html.UnescapeString(attributionBy.ReplaceAllString(meta.Attribution, "")),
		MaxWidth:    meta.MaxWidth,
		MaxHeight:   meta.MaxHeight,
	}, nil
}

// decodeCover はフォームの ie 値で示された文字コードで本文を UTF-8 に変換します。
func decodeCover(cover []byte) (string, error) {
	name := "iso-8859-15"
	if tag := encodingTag.Find(cover); tag != nil {
		m := encodingValue.FindSubmatch(tag)
		if m == nil {
			return "", fmt.Errorf("%w: cannot find encoding info", ErrParse)
		}
		name = strings.ToLower(string(m[1]))
	}

	if name == "utf-8" || name == "utf8" {
		return string(cover), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		enc = charmap.ISO8859_15
	}
	out, err := enc.NewDecoder().Bytes(cover)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrParse, name, err)
	}
	return string(out), nil
}

// DecodePage はページ本文を文字列にし、スクリプト内の \xNN / \uNNNN エスケープを展開します。
func DecodePage(body []byte) string {
	var text string
	if utf8.Valid(body) {
		text = string(body)
	} else if out, err := charmap.ISO8859_15.NewDecoder().Bytes(body); err == nil {
		text = string(out)
	} else {
		text = string(body)
	}
	return hexEscapePattern.ReplaceAllStringFunc(text, func(seq string) string {
		n, err := strconv.ParseUint(seq[2:], 16, 32)
		if err != nil {
			return seq
		}
		return string(rune(n))
	})
}

// ImageURLFromPage はページ本文から画像 URL を取り出します。
// アクセス制限されたページでは ErrRestricted を返します。
func ImageURLFromPage(page string) (string, error) {
	if strings.Contains(page, restrictedMarker) {
		return "", ErrRestricted
	}
	m := preloadPattern.FindStringSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("%w: no image found in HTML page", ErrParse)
	}
	return m[1], nil
}

// ImageURL は画像 URL の幅パラメータを width に置き換えます。width が 0 以下なら変更しません。
func ImageURL(raw string, width int) string {
	if width <= 0 {
		return raw
	}
	return widthPattern.ReplaceAllString(raw, "w="+strconv.Itoa(width))
}
