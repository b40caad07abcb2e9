package download

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/book"
	"github.com/yourusername/page-forge/internal/fetch"
	"github.com/yourusername/page-forge/internal/storage"
)

// GetInfo は表紙ページを取得して書籍情報を返す子手続きです。
func (d *Downloader) GetInfo(env *asyncjobs.Env, client *fetch.Client, coverURL string, rep Reporter) asyncjobs.Procedure {
	if rep == nil {
		rep = NopReporter{}
	}
	return asyncjobs.Func(func(y *asyncjobs.Yielder) (any, error) {
		cover, err := asyncjobs.AwaitAs[[]byte](y, client.Get("info", coverURL))
		if err != nil {
			return nil, newError(CodeDownloadFailed, "表紙ページの取得に失敗しました。", err)
		}
		info, err := book.ParseInfo(cover)
		if err != nil {
			env.Debugf("Error parsing page HTML: %v", err)
			return nil, newError(CodeParseError, "書籍情報を読み取れませんでした。", err)
		}
		env.Debugf("Info: attribution=%s", info.Attribution)
		env.Debugf("Info: title=%s", info.Title)
		env.Debugf("Info: total pages=%d", info.Pages())
		rep.BookInfo(info)
		return info, nil
	})
}

// CheckBook は書籍情報だけを取得する手続きです。結果は *book.Info です。
func (d *Downloader) CheckBook(env *asyncjobs.Env, rawURL string, rep Reporter) asyncjobs.Procedure {
	if rep == nil {
		rep = NopReporter{}
	}
	return asyncjobs.Func(func(y *asyncjobs.Yielder) (any, error) {
		env.Debugf("Checking book: %s", rawURL)
		info, err := d.checkBook(env, y, rawURL, rep)
		if err != nil {
			if !errors.Is(err, asyncjobs.ErrJobCancelled) {
				env.Debugf("Check book error: %v", err)
			}
			return nil, err
		}
		env.Debugf("Check book done")
		return info, nil
	})
}

func (d *Downloader) checkBook(env *asyncjobs.Env, y *asyncjobs.Yielder, rawURL string, rep Reporter) (*book.Info, error) {
	id, err := book.ParseID(rawURL)
	if err != nil {
		return nil, newError(CodeInvalidInput, "書籍の URL から ID を取り出せませんでした。", err)
	}
	env.Debugf("Book ID: %s", id)
	rep.BookInfo(nil)
	return asyncjobs.CallAs[*book.Info](y, d.GetInfo(env, d.newClient(), book.CoverURL(d.cfg.BaseURL, id), rep))
}

// DownloadBook は指定範囲のページ画像を取得して保存する手続きです。結果は *Result です。
func (d *Downloader) DownloadBook(env *asyncjobs.Env, req Request, rep Reporter) asyncjobs.Procedure {
	if rep == nil {
		rep = NopReporter{}
	}
	return asyncjobs.Func(func(y *asyncjobs.Yielder) (any, error) {
		result, err := d.downloadBook(env, y, req, rep)
		if err != nil {
			if !errors.Is(err, asyncjobs.ErrJobCancelled) {
				env.Debugf("job error: %v", err)
			}
			return nil, err
		}
		return result, nil
	})
}

func (d *Downloader) downloadBook(env *asyncjobs.Env, y *asyncjobs.Yielder, req Request, rep Reporter) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	env.Debugf("Output directory: %s", d.store.Root())
	env.Debugf("Page start: %d, Page end: %s", max(req.PageStart, 1), pageLabel(req.PageEnd))

	id, err := book.ParseID(req.URL)
	if err != nil {
		return nil, newError(CodeInvalidInput, "書籍の URL から ID を取り出せませんでした。", err)
	}
	env.Debugf("Book ID: %s", id)

	client := d.newClient()
	info, err := asyncjobs.CallAs[*book.Info](y, d.GetInfo(env, client, book.CoverURL(d.cfg.BaseURL, id), rep))
	if err != nil {
		return nil, err
	}

	start, end, err := req.pageRange(info.Pages())
	if err != nil {
		return nil, err
	}
	pageIDs := info.PageIDs[start:end]

	dirName := req.OutputDir
	if dirName == "" {
		dirName = info.DirName()
	}
	dir, err := d.store.BookDir(dirName)
	if err != nil {
		return nil, newError(CodeStorageError, "出力ディレクトリを作成できませんでした。", err)
	}
	if err := storage.RemoveStale(dir); err != nil {
		env.Debugf("Cannot remove stale temp files: %v", err)
	}

	result := &Result{
		Info:    info,
		Dir:     dir,
		Images:  make([]string, 0, len(pageIDs)),
		PDFName: info.PDFName(),
	}

	for i, pageID := range pageIDs {
		page := start + i + 1
		if req.SkipExisting {
			if existing, ok := storage.FindPage(dir, page); ok {
				env.Debugf("Skip existing image: %s", existing)
				result.Images = append(result.Images, existing)
				result.Skipped++
				rep.PageSaved(page, existing)
				// スキップが続いても一時停止とキャンセルを受け付ける
				if err := y.Checkpoint(); err != nil {
					return nil, err
				}
				continue
			}
		}

		rep.Overall(i, len(pageIDs))
		header := fmt.Sprintf("[%d/%d] ", i+1, len(pageIDs))
		env.Debugf(header+"Start page: %d (page_id: %s)", page, pageID)

		path, err := d.downloadPage(env, y, client, info, dir, header, page, pageID)
		if err != nil {
			return nil, err
		}
		if path == "" {
			result.Restricted = append(result.Restricted, page)
			continue
		}
		result.Images = append(result.Images, path)
		rep.PageSaved(page, path)
	}

	rep.Overall(len(pageIDs), len(pageIDs))
	env.Debugf("Done!")
	return result, nil
}

// downloadPage は 1 ページ分を取得して保存し、保存先を返します。
// アクセス制限で画像がない場合は空文字を返します。
func (d *Downloader) downloadPage(env *asyncjobs.Env, y *asyncjobs.Yielder, client *fetch.Client, info *book.Info, dir, header string, page int, pageID string) (string, error) {
	pageURL := book.PageURL(info.Prefix, pageID)
	env.Debugf(header+"Download page contents: %s", pageURL)
	body, err := asyncjobs.AwaitAs[[]byte](y, client.Get("page", pageURL))
	if err != nil {
		return "", newError(CodeDownloadFailed, fmt.Sprintf("%d ページ目の取得に失敗しました。", page), err)
	}

	raw, err := book.ImageURLFromPage(book.DecodePage(body))
	if errors.Is(err, book.ErrRestricted) {
		env.Debugf("No image for this page, access may be restricted")
		return "", nil
	}
	if err != nil {
		return "", newError(CodeParseError, fmt.Sprintf("%d ページ目の画像が見つかりませんでした。", page), err)
	}

	imageURL := book.ImageURL(raw, info.MaxWidth)
	env.Debugf(header+"Download page image: %s", imageURL)
	data, err := asyncjobs.AwaitAs[[]byte](y, client.Get("image", imageURL))
	if err != nil {
		return "", newError(CodeDownloadFailed, fmt.Sprintf("%d ページ目の画像の取得に失敗しました。", page), err)
	}

	format := imageFormat(data)
	env.Debugf(header+"Image downloaded (size=%d, format=%s)", len(data), format)
	path := storage.PageBase(dir, page) + "." + format
	if err := d.store.Save(context.Background(), path, data); err != nil {
		return "", newError(CodeStorageError, "画像の保存に失敗しました。", err)
	}
	env.Debugf(header+"Image written: %s", path)
	return path, nil
}

func pageLabel(end int) string {
	if end <= 0 {
		return "last"
	}
	return strconv.Itoa(end)
}
