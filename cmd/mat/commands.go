// Copyright (c) 2025, the mathom authors.
// All rights reserved. Use of this source code is governed by the MIT
// license which can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mathomhouse/mathom/lib"
)

func newPutCmd() *cobra.Command {
	var (
		name     string
		ttl      string
		checksum bool
	)

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file and print its share token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}

			opts := &mathom.CreateOptions{Size: info.Size()}

			if ttl != "" {
				d, err := time.ParseDuration(ttl)
				if err != nil {
					return fmt.Errorf("parse ttl: %w", err)
				}
				opts.TTL = d
			}

			if checksum {
				h := sha256.New()
				if _, err := io.Copy(h, f); err != nil {
					return err
				}
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				opts.Checksum = hex.EncodeToString(h.Sum(nil))
			}

			if name == "" {
				name = filepath.Base(args[0])
			}

			file, err := client().Create(name, f, opts)
			if err != nil {
				return err
			}

			fmt.Printf("Token: %s\n", file.Token)
			fmt.Printf("Name: %s\n", file.Name)
			fmt.Printf("Size: %d\n", file.Size)
			fmt.Printf("SHA256: %s\n", file.SHA256)
			fmt.Printf("Expires At: %s\n", file.ExpiresAt)

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name to publish under, defaults to the file name")
	cmd.Flags().StringVar(&ttl, "ttl", "", "lifetime of the file, e.g. 72h, the server default applies when unset")
	cmd.Flags().BoolVar(&checksum, "checksum", false, "hash the file up front so the server verifies the upload")

	return cmd
}

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <token>",
		Short: "Download a file, resuming a partial copy on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := client().Stat(args[0])
			if err != nil {
				return err
			}

			name := output
			if name == "" {
				name = file.Name
			}
			if name == "" {
				name = args[0]
			}

			out, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0644)
			if err != nil {
				return err
			}
			defer out.Close()

			offset, err := out.Seek(0, io.SeekEnd)
			if err != nil {
				return err
			}
			if offset > file.Size {
				return fmt.Errorf("%s holds %d bytes, more than the %d stored", name, offset, file.Size)
			}

			if offset < file.Size {
				var src io.ReadCloser

				if offset > 0 {
					fmt.Printf("resuming at byte %d\n", offset)
					src, err = client().GetRange(args[0], offset, -1)
				} else {
					src, err = client().Get(args[0])
				}
				if err != nil {
					return err
				}
				defer src.Close()

				if _, err := io.Copy(out, src); err != nil {
					return err
				}
			}

			if _, err := out.Seek(0, io.SeekStart); err != nil {
				return err
			}

			h := sha256.New()
			if _, err := io.Copy(h, out); err != nil {
				return err
			}
			if sum := hex.EncodeToString(h.Sum(nil)); sum != file.SHA256 {
				return fmt.Errorf("%s hashes to %s, want %s", name, sum, file.SHA256)
			}

			fmt.Printf("%s: %d bytes, checksum verified\n", name, file.Size)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "path to write to, defaults to the stored name")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <token>",
		Short: "Print the metadata stored for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := client().Stat(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Token: %s\n", file.Token)
			fmt.Printf("Name: %s\n", file.Name)
			fmt.Printf("Size: %d\n", file.Size)
			fmt.Printf("SHA256: %s\n", file.SHA256)
			fmt.Printf("Content-Type: %s\n", file.ContentType)
			fmt.Printf("Created At: %s\n", file.CreatedAt)
			fmt.Printf("Expires At: %s\n", file.ExpiresAt)

			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		limit  uint64
		prefix string
		sort   string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &mathom.ListOptions{
				Limit:  limit,
				Prefix: prefix,
			}

			if sort != "" {
				strategy, err := mathom.ParseSortParam(sort)
				if err != nil {
					return fmt.Errorf("parse sort %q: %w", sort, err)
				}
				opts.Sort = strategy
			}

			files, err := client().List(opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tNAME\tSIZE\tDOWNLOADS\tEXPIRES AT")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", f.Token, f.Name, f.Size, f.Downloads, f.ExpiresAt)
			}

			return w.Flush()
		},
	}

	cmd.Flags().Uint64Var(&limit, "limit", 0, "maximum number of files to return, 0 returns all")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list files whose name starts with prefix")
	cmd.Flags().StringVar(&sort, "sort", "", "sort order, +name -name +created -created +size -size")

	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <token>",
		Short: "Expire a file right away",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := client().Delete(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("expired %s (%s)\n", file.Token, file.Name)

			return nil
		},
	}
}
