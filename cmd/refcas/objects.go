package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/refcas/internal/cas"
)

var (
	putMeta             []string
	putFingerprint      string
	putContentAddressed bool
	getOutput           string
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [id] <file>",
		Short: "Create an object or take another reference to it",
		Long: `Create an object from file ("-" reads stdin), or increment its count if
it already exists. With --content-addressed the id is the file's fingerprint
and only <file> is given.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if putContentAddressed {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runPut,
	}
	cmd.Flags().StringArrayVarP(&putMeta, "meta", "m", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&putFingerprint, "fingerprint", "", "expected fingerprint, <algorithm>:<hex>")
	cmd.Flags().BoolVar(&putContentAddressed, "content-addressed", false, "derive the id from the content fingerprint")
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write an object's payload to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	cmd.Flags().StringVarP(&getOutput, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up <id>",
		Short: "Increment an object's reference count",
		Args:  cobra.ExactArgs(1),
		RunE:  runUp,
	}
}

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down <id>",
		Short: "Decrement an object's reference count, destroying it at zero",
		Args:  cobra.ExactArgs(1),
		RunE:  runDown,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Show an object's size, count, pin and metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

// parseMeta turns repeated key=value flags into a metadata map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	for _, p := range pairs {
		if !strings.Contains(p, "=") {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
	}
	key := func(p string) string {
		k, _, _ := strings.Cut(p, "=")
		return k
	}
	if dups := lo.FindDuplicatesBy(pairs, key); len(dups) > 0 {
		return nil, fmt.Errorf("duplicate --meta key %q", key(dups[0]))
	}
	return lo.SliceToMap(pairs, func(p string) (string, string) {
		k, v, _ := strings.Cut(p, "=")
		return k, v
	}), nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// withService runs fn against a service on the configured local backend.
func withService(fn func(ctx context.Context, s *cas.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, closeFn, err := openService(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), s)
}

func runPut(cmd *cobra.Command, args []string) error {
	meta, err := parseMeta(putMeta)
	if err != nil {
		return err
	}
	data, err := readInput(cmd, args[len(args)-1])
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	c := cas.Content{Data: data, Metadata: meta, Fingerprint: putFingerprint}

	return withService(func(ctx context.Context, s *cas.Service) error {
		var (
			id  string
			res cas.PutResult
		)
		if putContentAddressed {
			id, res, err = s.PutContent(ctx, c)
		} else {
			id = args[0]
			res, err = s.Put(ctx, id, c)
		}
		if err != nil {
			return err
		}
		verb := "referenced"
		if res.Created {
			verb = "created"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s refcount=%d\n", id, verb, res.Refcount)
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *cas.Service) error {
		data, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if getOutput != "" {
			return os.WriteFile(getOutput, data, 0o644)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	})
}

func runUp(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *cas.Service) error {
		n, err := s.Up(ctx, args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s refcount=%d\n", args[0], n)
		return nil
	})
}

func runDown(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *cas.Service) error {
		res, err := s.Down(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case res.Destroyed:
			_, _ = fmt.Fprintf(out, "%s destroyed\n", args[0])
		case res.Pinned && res.Refcount == 0:
			_, _ = fmt.Fprintf(out, "%s refcount=0 pinned, kept\n", args[0])
		default:
			_, _ = fmt.Fprintf(out, "%s refcount=%d\n", args[0], res.Refcount)
		}
		return nil
	})
}

func runStat(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *cas.Service) error {
		info, err := s.Stat(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	})
}
