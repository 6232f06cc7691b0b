package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"stackvm/internal/verrors"
)

// Exit codes reported to the shell.
const (
	exitOK         = 0
	exitValidation = 2
	exitCancelled  = 3
	exitEngine     = 4
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitError pins a specific exit code to an error. Errors without one fall
// back to kind-based mapping.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	switch verrors.KindOf(err) {
	case verrors.KindValidation:
		return exitValidation
	case verrors.KindCancelled:
		return exitCancelled
	}
	return exitEngine
}
