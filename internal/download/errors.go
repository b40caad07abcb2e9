package download

import (
	"errors"
	"fmt"

	"github.com/yourusername/page-forge/internal/asyncjobs"
)

// エラーコード
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeParseError     = "PARSE_ERROR"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeStorageError   = "STORAGE_ERROR"
)

// Error は利用者向けのメッセージとエラーコードを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) error {
	// キャンセルはラップせずそのまま返す
	if errors.Is(err, asyncjobs.ErrJobCancelled) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf は err に含まれる Error のコードを返します。見つからなければ空文字です。
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
