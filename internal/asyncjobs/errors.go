package asyncjobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobCancelled は協調的キャンセルのシグナルです。
	// Job.Cancel 後、次の再開地点で手続きに注入されます。
	ErrJobCancelled = errors.New("job cancelled")

	// ErrProcedureDone は終了済みの手続きを進めようとした場合に返されます。
	ErrProcedureDone = errors.New("procedure already finished")
)

// TaskError はバックグラウンドタスク内の転送・IO 失敗を表します。
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ProcedureError は手続き自身のロジックで発生した失敗（パニックや委譲の誤用）を表します。
type ProcedureError struct {
	Err   error
	Panic any
}

func (e *ProcedureError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("procedure panicked: %v", e.Panic)
	}
	return fmt.Sprintf("procedure: %v", e.Err)
}

func (e *ProcedureError) Unwrap() error {
	return e.Err
}

func wrapTaskError(name string, err error) error {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return err
	}
	return &TaskError{Task: name, Err: err}
}
