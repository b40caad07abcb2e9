// Package asyncjobs は、逐次的に書かれた長時間の手続きを単一スレッドのイベントループ上で
// ブロックせずに実行するためのジョブ実行基盤を提供します。
//
// 手続き（Procedure）は明示的な中断点でのみ制御を返し、バックグラウンドタスク（Task）や
// 子手続きへの委譲を要求します。Job はそれらを受け取り、タスクをワーカー goroutine で実行し、
// 結果を Loop 経由で手続きへ戻します。一時停止・再開・協調的キャンセルに対応します。
package asyncjobs

import "fmt"

// StepKind は Advance の結果の種別です。
type StepKind int

const (
	Yielded StepKind = iota + 1
	Completed
	Failed
)

func (k StepKind) String() string {
	switch k {
	case Yielded:
		return "yielded"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Request は中断時に手続きが Job へ要求する内容です。
// Task と Child のどちらも nil の場合はチェックポイント（次の tick で nil を受け取って再開）です。
type Request struct {
	Task  Task
	Child Procedure
}

// IsCheckpoint はタスクも委譲も伴わない中断かどうかを返します。
func (r Request) IsCheckpoint() bool {
	return r.Task == nil && r.Child == nil
}

// Resume は中断地点へ戻す値です。Err が設定されている場合、中断地点でエラーとして受け取ります。
type Resume struct {
	Value any
	Err   error
}

// Step は Advance の結果です。
type Step struct {
	Kind    StepKind
	Request Request
	Value   any
	Err     error
}

// Yield は中断ステップを作成します。
func Yield(req Request) Step {
	return Step{Kind: Yielded, Request: req}
}

// Complete は完了ステップを作成します。
func Complete(value any) Step {
	return Step{Kind: Completed, Value: value}
}

// Fail は失敗ステップを作成します。
func Fail(err error) Step {
	return Step{Kind: Failed, Err: err}
}

// Procedure は中断・再開可能な計算です。
//
// Advance は直前に要求した内容の結果を中断地点へ戻し、次の中断・完了・失敗まで進めます。
// 最初の呼び出しでは入力は無視されます。終了後の呼び出しは ErrProcedureDone で失敗します。
// Advance の呼び出しは所有する Job によって直列化されます。
type Procedure interface {
	Advance(in Resume) Step
}

// ProcState は手続きの状態です。
type ProcState string

const (
	ProcNotStarted ProcState = "not_started"
	ProcRunning    ProcState = "running"
	ProcSuspended  ProcState = "suspended"
	ProcCompleted  ProcState = "completed"
	ProcFailed     ProcState = "failed"
	ProcCancelled  ProcState = "cancelled"
)

// Terminal は終端状態かどうかを返します。
func (s ProcState) Terminal() bool {
	switch s {
	case ProcCompleted, ProcFailed, ProcCancelled:
		return true
	default:
		return false
	}
}

// closer は破棄時に資源を解放する手続きが実装します。
type closer interface {
	Close()
}

func closeProcedure(p Procedure) {
	if c, ok := p.(closer); ok {
		c.Close()
	}
}
