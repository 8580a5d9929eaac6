package main

import (
    "log"

    "github.com/spf13/cobra"

    discoverycli "github.com/amirimatin/go-discover/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "discoveryctl",
        Short:         "go-discover node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    discoverycli.AddAll(root)
    return root
}
