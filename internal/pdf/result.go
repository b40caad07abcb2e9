package pdf

import (
	"fmt"
	"os"
	"path/filepath"
)

// Result は組み立てた PDF の情報です。
type Result struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Pages    int    `json:"pages"`
}

// Open は PDF を開き、最新のサイズを反映した Result とファイルハンドルを返します。
func Open(path string) (*Result, *os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	return &Result{
		Path:     path,
		Filename: filepath.Base(path),
		Size:     info.Size(),
	}, file, nil
}
