package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/book"
)

// progressPrinter は全体と現在のタスクの進捗を 1 行で上書き表示します。
type progressPrinter struct {
	w     io.Writer
	quiet bool

	mu      sync.Mutex
	overall string
	width   int
}

func newProgressPrinter(w io.Writer, quiet bool) *progressPrinter {
	return &progressPrinter{w: w, quiet: quiet}
}

func (p *progressPrinter) listener() asyncjobs.Listener {
	return asyncjobs.ListenerFuncs{Progress: p.task}
}

func (p *progressPrinter) task(name string, transferred, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case total == asyncjobs.UnknownTotal || total <= 0:
		p.print(fmt.Sprintf("%s %s: %s", p.overall, name, humanBytes(transferred)))
	default:
		p.print(fmt.Sprintf("%s %s: %d%%", p.overall, name, transferred*100/total))
	}
}

// BookInfo は download.Reporter の実装です。
func (p *progressPrinter) BookInfo(info *book.Info) {}

// Overall は download.Reporter の実装です。
func (p *progressPrinter) Overall(done, total int) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overall = fmt.Sprintf("Total: %d%%", done*100/total)
	p.print(p.overall)
}

// PageSaved は download.Reporter の実装です。
func (p *progressPrinter) PageSaved(page int, path string) {}

// print は p.mu を保持した状態で呼び出します。
func (p *progressPrinter) print(line string) {
	if p.quiet {
		return
	}
	line = strings.TrimSpace(line)
	pad := ""
	if n := p.width - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.width = len(line)
	fmt.Fprintf(p.w, "\r%s%s", line, pad)
}

// clear は進捗行を消します。
func (p *progressPrinter) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet || p.width == 0 {
		return
	}
	fmt.Fprintf(p.w, "\r%s\r", strings.Repeat(" ", p.width))
	p.width = 0
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
