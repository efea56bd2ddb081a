// Package main is the entry point for the bindwatch command line tool.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ubuntu/bindwatch/cmd/bindwatch/daemon"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
)

func main() {
	a, err := daemon.New()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(exitFailure)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
	ForceQuit()
}

func run(a app) int {
	defer installSignalHandler(a)()

	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return exitUsage
		}
		return exitFailure
	}

	return exitOK
}

// installSignalHandler quits a on SIGINT or SIGTERM, waiting for running generations.
// Another SIGINT or SIGTERM while quitting kills them.
func installSignalHandler(a app) func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	var wg, quits sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var quitting bool
		for {
			switch v, ok := <-c; v {
			case syscall.SIGINT, syscall.SIGTERM:
				quit := a.Quit
				if quitting {
					slog.Warn("Killing running generations")
					quit = a.ForceQuit
				} else {
					slog.Info("Waiting for running generations, interrupt again to kill them")
				}
				quitting = true
				// Quitting blocks until generations are over: keep listening meanwhile.
				quits.Add(1)
				go func() {
					defer quits.Done()
					quit()
				}()
			case syscall.SIGHUP:
				if a.Hup() {
					a.Quit()
					return
				}
			default:
				// channel was closed: we exited
				if !ok {
					slog.Debug("Signal channel closed")
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(c)
		close(c)
		wg.Wait()
		quits.Wait()
	}
}
