// Package pr — вывод консоли оператора. После Init печать идёт через буферы
// readline, чтобы логи и ответы бота не ломали строку ввода; до Init — в
// os.Stdout/os.Stderr. Мьютекс защищает только смену writer'ов.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	mu     sync.Mutex
	// stdin закрывается в InterruptReadline: Readline получает io.EOF.
	stdin interface{ Close() error }
)

// Init поднимает readline на отменяемом stdin и переключает вывод на него.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	rl = inst
	stdin = cs
	out = inst.Stdout()
	errOut = inst.Stderr()
	return nil
}

// InterruptReadline прерывает ожидание ввода. Повторный вызов безопасен.
func InterruptReadline() {
	mu.Lock()
	in := stdin
	mu.Unlock()
	if in != nil {
		_ = in.Close()
	}
}

// SetPrompt задаёт приглашение. До Init — no-op.
func SetPrompt(prompt string) {
	if inst := Rl(); inst != nil {
		inst.SetPrompt(prompt)
	}
}

// Rl — текущий readline; nil до Init.
func Rl() *readline.Instance {
	mu.Lock()
	defer mu.Unlock()
	return rl
}

// Stdout — writer обычного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr — writer диагностики.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrint(a ...any)                 { fmt.Fprint(Stderr(), a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP печатает значение через kr/pretty (команда config консоли).
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf — то же, что PP, но в строку.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
