package download

import "github.com/yourusername/page-forge/internal/book"

// Reporter は手続きの途中経過を受け取ります。
// 手続き本体から呼ばれるため、ジョブの Loop 上で逐次的に実行されます。
type Reporter interface {
	// BookInfo は書籍情報の取得時に呼ばれます。確認開始時には nil でリセットされます。
	BookInfo(info *book.Info)
	// Overall は全体の進捗（処理済みページ数 / 対象ページ数）を通知します。
	Overall(done, total int)
	// PageSaved はページ画像が保存済みになったときに呼ばれます（page は 1 始まり）。
	PageSaved(page int, path string)
}

// NopReporter は何もしない Reporter です。
type NopReporter struct{}

func (NopReporter) BookInfo(*book.Info)   {}
func (NopReporter) Overall(int, int)      {}
func (NopReporter) PageSaved(int, string) {}

// ReporterFuncs は関数で Reporter を実装します。nil のフィールドは無視されます。
type ReporterFuncs struct {
	Info  func(info *book.Info)
	Done  func(done, total int)
	Saved func(page int, path string)
}

func (f ReporterFuncs) BookInfo(info *book.Info) {
	if f.Info != nil {
		f.Info(info)
	}
}

func (f ReporterFuncs) Overall(done, total int) {
	if f.Done != nil {
		f.Done(done, total)
	}
}

func (f ReporterFuncs) PageSaved(page int, path string) {
	if f.Saved != nil {
		f.Saved(page, path)
	}
}
