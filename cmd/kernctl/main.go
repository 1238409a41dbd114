// Command kernctl is the host-side build and boot-simulation tool for the
// kernel core: it packs a kernel image plus a YAML manifest into a boot
// image directory, and drives the image through a simulated boot for the
// end-to-end scenarios spec.md §8 describes, without needing real ARM64
// hardware. Grounded on the teacher's cmd/cc (flag.FlagSet-per-invocation,
// slog for host-side diagnostics, an initx.ExitError-shaped exit code).
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// exitError carries a specific process exit code out of run(), the same
// shape as the teacher's internal/initx.ExitError.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "kernctl: %v\n", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "kernctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(args) < 1 {
		usage()
		return &exitError{code: 2, err: fmt.Errorf("a subcommand is required")}
	}

	switch args[0] {
	case "pack":
		fs := flag.NewFlagSet("pack", flag.ExitOnError)
		manifest := fs.String("manifest", "", "Path to the boot image manifest (YAML)")
		out := fs.String("out", "", "Output boot image directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *manifest == "" || *out == "" {
			fs.Usage()
			return &exitError{code: 2, err: fmt.Errorf("-manifest and -out are required")}
		}
		return packImage(*manifest, *out)

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		image := fs.String("image", "", "Path to a packed boot image directory")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *image == "" {
			fs.Usage()
			return &exitError{code: 2, err: fmt.Errorf("-image is required")}
		}
		return runSimulation(*image)

	case "help", "-h", "--help":
		usage()
		return nil

	default:
		usage()
		return &exitError{code: 2, err: fmt.Errorf("unknown subcommand %q", args[0])}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: kernctl <subcommand> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Subcommands:\n")
	fmt.Fprintf(os.Stderr, "  pack -manifest <file> -out <dir>   Pack a kernel image + manifest into a boot image\n")
	fmt.Fprintf(os.Stderr, "  run  -image <dir>                  Run the end-to-end boot scenarios against a packed image\n")
}
