package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/chatterbox-api/internal/config"
	"github.com/example/chatterbox-api/internal/generate"
	"github.com/example/chatterbox-api/internal/store"
)

// newRefsCmd manages the reference voice library directly on disk.
func newRefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "Manage the reference voice library",
	}
	cmd.AddCommand(newRefsListCmd(), newRefsAddCmd(), newRefsRemoveCmd())
	return cmd
}

func openStore(cfg config.Config) (*store.Store, error) {
	return store.Open(store.Options{
		ReferenceDir: cfg.Storage.ReferencePath(),
		GeneratedDir: cfg.Storage.OutputPath(),
	})
}

func newRefsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reference voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			arts, err := st.List(store.Reference)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "FILENAME\tSIZE\tMODIFIED")
			for _, a := range arts {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", a.Filename, a.Size, a.Modified.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newRefsAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Copy an audio file into the reference library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			if _, err := generate.CheckUploadName("file", name); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			data, err := generate.ReadUpload("file", f, cfg.Server.MaxUploadBytes)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			stored, err := st.Put(store.Reference, name, data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), stored)
			return err
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Library name (default: the file's base name)")

	return cmd
}

func newRefsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a reference voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			return st.Delete(store.Reference, args[0])
		},
	}
}
