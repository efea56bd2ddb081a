package testutils

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MockGeneratorEnv must be part of the environment of the mocked generator process.
const MockGeneratorEnv = "GO_WANT_HELPER_PROCESS=1"

// MockGeneratorCommand returns a generator command re-executing the current test binary into testName,
// which must call RunMockGenerator.
//
// Steps are run in order by the mocked generator:
//   - "write": writes the binding file from the schema file, exits 1 if the schema can't be read.
//   - "exit N": exits with code N.
//   - "sleep DURATION": waits for DURATION.
//   - "hang": never returns.
//   - "echo": copies its standard input to its standard output.
//   - "record FILE": appends the generator flags and paths, space separated, as a line to FILE.
//
// The process exits with 0 once all steps are done.
func MockGeneratorCommand(testName string, steps ...string) []string {
	return append([]string{os.Args[0], "-test.run=^" + testName + "$", "--"}, steps...)
}

// RunMockGenerator acts as a code generator when the test binary was started through MockGeneratorCommand.
// It returns immediately otherwise.
func RunMockGenerator() {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	i := slices.Index(os.Args, "--")
	if i < 0 {
		return
	}
	args := os.Args[i+1:]
	if len(args) < 4 {
		fmt.Fprintf(os.Stderr, "mock generator: expected input and output flags, got %q\n", args)
		os.Exit(64)
	}
	steps, flags := args[:len(args)-4], args[len(args)-4:]
	input, output := flags[1], flags[3]

	for len(steps) > 0 {
		step := steps[0]
		steps = steps[1:]
		switch step {
		case "write":
			data, err := os.ReadFile(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mock generator: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(output, append([]byte("// generated\n"), data...), 0600); err != nil {
				fmt.Fprintf(os.Stderr, "mock generator: %v\n", err)
				os.Exit(1)
			}
		case "exit":
			code, _ := strconv.Atoi(steps[0])
			os.Exit(code)
		case "sleep":
			d, _ := time.ParseDuration(steps[0])
			steps = steps[1:]
			time.Sleep(d)
		case "hang":
			for {
				time.Sleep(time.Hour)
			}
		case "echo":
			if _, err := io.Copy(os.Stdout, os.Stdin); err != nil {
				fmt.Fprintf(os.Stderr, "mock generator: %v\n", err)
				os.Exit(1)
			}
		case "record":
			f, err := os.OpenFile(steps[0], os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
			steps = steps[1:]
			if err != nil {
				fmt.Fprintf(os.Stderr, "mock generator: %v\n", err)
				os.Exit(1)
			}
			_, _ = fmt.Fprintln(f, strings.Join(flags, " "))
			_ = f.Close()
		default:
			fmt.Fprintf(os.Stderr, "mock generator: unknown step %q\n", step)
			os.Exit(64)
		}
	}
	os.Exit(0)
}

// ReadLines returns the non empty lines of path, or nil if the file does not exist.
func ReadLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
