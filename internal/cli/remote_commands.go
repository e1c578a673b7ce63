package cli

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-bulk/internal/remote"
)

const timeLayout = "2006-01-02 15:04"

// newLsCmd creates the 'ls' command.
func newLsCmd() *cobra.Command {
	var bytesOnly bool

	cmd := &cobra.Command{
		Use:   "ls [REMOTE_DIR]",
		Short: "List a remote directory",
		Long: `List the entries directly inside REMOTE_DIR (default /).

The call is queued ahead of any batch running against the same server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			dir = path.Clean("/" + dir)

			r, err := newRunner(cmd, false)
			if err != nil {
				return err
			}
			defer r.Close()

			var entries []remote.Entry
			err = r.call(func(ctx context.Context, conn remote.Connection) error {
				var err error
				entries, err = conn.List(ctx, dir)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", dir, err)
			}

			sort.Slice(entries, func(i, j int) bool {
				if entries[i].IsDir != entries[j].IsDir {
					return entries[i].IsDir
				}
				return entries[i].Name() < entries[j].Name()
			})

			out := cmd.OutOrStdout()
			var total int64
			for _, e := range entries {
				name := e.Name()
				size := "-"
				if e.IsDir {
					name += "/"
				} else {
					total += e.Size
					size = humanize.IBytes(uint64(e.Size))
					if bytesOnly {
						size = fmt.Sprintf("%d", e.Size)
					}
				}
				modified := "-"
				if !e.ModTime.IsZero() {
					modified = e.ModTime.Local().Format(timeLayout)
				}
				fmt.Fprintf(out, "%12s  %16s  %s\n", size, modified, name)
			}
			fmt.Fprintf(out, "%d entries, %s\n", len(entries), humanize.IBytes(uint64(total)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&bytesOnly, "bytes", false, "Show sizes in bytes")
	return cmd
}

// newStatCmd creates the 'stat' command.
func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat REMOTE_PATH",
		Short: "Show details of a remote file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := path.Clean("/" + args[0])

			r, err := newRunner(cmd, false)
			if err != nil {
				return err
			}
			defer r.Close()

			var entry remote.Entry
			err = r.call(func(ctx context.Context, conn remote.Connection) error {
				var err error
				entry, err = conn.Stat(ctx, p)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", p, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path:      %s\n", entry.Path)
			if entry.IsDir {
				fmt.Fprintln(out, "Type:      directory")
			} else {
				fmt.Fprintln(out, "Type:      file")
				fmt.Fprintf(out, "Size:      %s (%d bytes)\n", humanize.IBytes(uint64(entry.Size)), entry.Size)
			}
			if !entry.ModTime.IsZero() {
				fmt.Fprintf(out, "Modified:  %s (%s)\n", entry.ModTime.Local().Format(timeLayout), humanize.Time(entry.ModTime))
			}
			return nil
		},
	}
}

// newMvCmd creates the 'mv' command.
func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv FROM TO",
		Short: "Rename a remote file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := path.Clean("/"+args[0]), path.Clean("/"+args[1])
			if from == "/" {
				return fmt.Errorf("cannot rename the root directory")
			}

			r, err := newRunner(cmd, false)
			if err != nil {
				return err
			}
			defer r.Close()

			err = r.call(func(ctx context.Context, conn remote.Connection) error {
				return conn.Rename(ctx, from, to)
			})
			if err != nil {
				return fmt.Errorf("failed to rename %s: %w", from, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s → %s\n", from, to)
			return nil
		},
	}
}
