package book

import "strings"

// MaxNameLength はファイル名に使う文字数の上限です。
const MaxNameLength = 240

const forbiddenChars = `:;'/\?%*|"<>`

// SafeName はファイル名に使えない文字を取り除き、末尾から limit 文字に切り詰めます。
func SafeName(s string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return -1
		}
		return r
	}, s)
	runes := []rune(cleaned)
	if limit > 0 && len(runes) > limit {
		runes = runes[len(runes)-limit:]
	}
	return string(runes)
}
