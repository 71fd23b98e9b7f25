// Command codehub-archiver is the ephemeral job binary launched by the
// OperationController's ARCHIVING/RESTORING Actuator step (§4.1.1). It does
// its one job and exits: no flags, no server, just env in and a tar/zstd
// blob out (or back).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cagojeiger/codehub-controlplane/pkg/archivejob"
)

func main() {
	cfg, err := archivejob.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mode := archivejob.Mode(os.Getenv(archivejob.EnvMode))
	ctx, cancel := context.WithTimeout(context.Background(), archivejob.DefaultTimeout)
	defer cancel()

	switch mode {
	case archivejob.ModeArchive:
		err = archivejob.RunArchive(ctx, cfg)
	case archivejob.ModeRestore:
		err = archivejob.RunRestore(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "%s must be %q or %q, got %q\n", archivejob.EnvMode, archivejob.ModeArchive, archivejob.ModeRestore, mode)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
