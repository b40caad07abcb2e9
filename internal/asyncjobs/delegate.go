package asyncjobs

import (
	"errors"
	"fmt"
	"reflect"
)

// MaxDepth は委譲の入れ子の上限です。
const MaxDepth = 64

// delegator は手続きのスタックを保持し、子手続きへの委譲を呼び出し・復帰として扱います。
// タスクとチェックポイントの要求は深さに関係なくそのまま呼び出し元へ返します。
type delegator struct {
	stack []Procedure
}

func newDelegator(root Procedure) *delegator {
	return &delegator{stack: []Procedure{root}}
}

func (d *delegator) depth() int {
	return len(d.stack)
}

func (d *delegator) Advance(in Resume) Step {
	if len(d.stack) == 0 {
		return Fail(ErrProcedureDone)
	}
	for {
		top := d.stack[len(d.stack)-1]
		step := top.Advance(in)

		if step.Kind == Yielded {
			child := step.Request.Child
			if child == nil {
				return step
			}
			if err := d.push(child); err != nil {
				in = Resume{Err: err}
				continue
			}
			in = Resume{}
			continue
		}

		d.stack = d.stack[:len(d.stack)-1]
		if len(d.stack) == 0 {
			return step
		}
		if step.Kind == Completed {
			in = Resume{Value: step.Value}
		} else {
			in = Resume{Err: step.Err}
		}
	}
}

func (d *delegator) push(child Procedure) error {
	if len(d.stack) >= MaxDepth {
		return &ProcedureError{Err: fmt.Errorf("delegation depth exceeds %d", MaxDepth)}
	}
	for _, p := range d.stack {
		if sameProcedure(p, child) {
			return &ProcedureError{Err: errors.New("procedure is already active in this job")}
		}
	}
	d.stack = append(d.stack, child)
	return nil
}

// Close は残っている手続きを内側から順に解放します。
func (d *delegator) Close() {
	for i := len(d.stack) - 1; i >= 0; i-- {
		closeProcedure(d.stack[i])
	}
	d.stack = nil
}

func sameProcedure(a, b Procedure) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
