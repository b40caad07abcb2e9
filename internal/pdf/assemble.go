package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"

	"github.com/yourusername/page-forge/internal/asyncjobs"
)

// defaultBatchSize は 1 回の取り込みで追加するページ数です。バッチごとに進捗を通知します。
const defaultBatchSize = 8

// ProgressReporter は進捗更新用コールバックです。percent は 0〜100 です。
type ProgressReporter func(stage string, percent int)

func (p ProgressReporter) report(stage string, percent int) {
	if p == nil {
		return
	}
	p(stage, min(max(percent, 0), 100))
}

// Assembler はページ画像を 1 つの PDF にまとめます。
type Assembler struct {
	BatchSize int
}

// NewAssembler は既定設定の Assembler を作成します。
func NewAssembler() *Assembler {
	return &Assembler{BatchSize: defaultBatchSize}
}

// Assemble は images をこの順番でページとして取り込み、outPath に書き出します。
// 書き込みは同じディレクトリの一時ファイルで行い、完了してから outPath へ置き換えます。
func (a *Assembler) Assemble(ctx context.Context, images []string, outPath string, progress ProgressReporter) (_ *Result, err error) {
	if len(images) == 0 {
		return nil, newError("INVALID_INPUT", "PDF にするページ画像がありません。", nil)
	}
	if outPath == "" {
		return nil, newError("INVALID_INPUT", "出力先の PDF を指定してください。", nil)
	}
	for _, img := range images {
		info, statErr := os.Stat(img)
		if statErr != nil || info.IsDir() {
			return nil, newError("INVALID_INPUT", fmt.Sprintf("ページ画像が見つかりません: %s", filepath.Base(img)), statErr)
		}
	}

	progress.report("load", 0)

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".assemble-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp pdf: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// pdfcpu は既存ファイルがあると追記するため、空のファイルは消しておく
	if err := os.Remove(tmpPath); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	batch := a.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	for start := 0; start < len(images); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batch, len(images))
		if err := pdfapi.ImportImagesFile(images[start:end], tmpPath, pdfcpu.DefaultImportConfig(), nil); err != nil {
			return nil, newError("UNSUPPORTED_IMAGE", fmt.Sprintf("%d〜%d ページ目の取り込みに失敗しました。", start+1, end), err)
		}
		progress.report("process", 90*end/len(images))
	}

	pages, err := pdfapi.PageCountFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect assembled pdf: %w", err)
	}
	if pages != len(images) {
		return nil, fmt.Errorf("assembled pdf has %d pages, want %d", pages, len(images))
	}

	progress.report("write", 95)
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, fmt.Errorf("failed to move pdf into place: %w", err)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, err
	}
	progress.report("completed", 100)

	return &Result{
		Path:     outPath,
		Filename: filepath.Base(outPath),
		Size:     info.Size(),
		Pages:    pages,
	}, nil
}

// Task は Assemble をワーカー上で実行する asyncjobs.Task を返します。
// 進捗は百分率（total = 100）で通知され、結果は *Result です。
func (a *Assembler) Task(images []string, outPath string) asyncjobs.Task {
	return asyncjobs.NewTask("pdf", func(ctx context.Context, progress asyncjobs.ProgressFunc) (any, error) {
		result, err := a.Assemble(ctx, images, outPath, func(stage string, percent int) {
			if progress != nil {
				progress(int64(percent), 100)
			}
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// CountPages は PDF のページ数を返します。
func CountPages(path string) (int, error) {
	n, err := pdfapi.PageCountFile(path)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return 0, err
		}
		return 0, newError("UNSUPPORTED_PDF", "PDF を読み取れませんでした。", err)
	}
	return n, nil
}
