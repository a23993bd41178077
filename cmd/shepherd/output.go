package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/and161185/shepherd/internal/errs"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

type cli struct {
	in     io.Reader
	out    io.Writer
	errw   io.Writer
	format string
}

func (c *cli) print(v any) error {
	if c.format == formatYAML {
		return printYAML(c.out, v)
	}
	return printJSON(c.out, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

// fail reports err and returns the exit code.
func (c *cli) fail(err error) int {
	if errors.Is(err, errUsage) {
		fmt.Fprintln(c.errw, err)
		return 2
	}
	if ae, ok := errs.As(err); ok {
		fmt.Fprintf(c.errw, "error: code=%s msg=%s\n", ae.Code, errs.UserMessage(ae))
		return 1
	}
	fmt.Fprintln(c.errw, err)
	return 1
}
