package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-bulk/internal/archive"
	"github.com/rescale/rescale-bulk/internal/batch"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/progress"
)

// scanLister counts local directories on a spinner while the session sees each as a listing.
type scanLister struct {
	batch.Lister
	counter *progress.Counter
}

func (l scanLister) DirectoryListed() {
	l.Lister.DirectoryListed()
	l.counter.Add()
}

// newDeleteCmd creates the 'delete' command.
func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete REMOTE_DIR",
		Short: "Recursively delete a remote directory",
		Long: `Delete a remote directory and everything below it.

Directories are listed and emptied in parallel over the connection pool.
Files that appear while the delete runs are picked up before their
directory is removed.

Examples:
  rescale-bulk delete /projects/old-run
  rescale-bulk delete /scratch --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer r.Close()

			if !yes {
				ok, err := r.prompter.Confirm(fmt.Sprintf("Delete %s and everything below it?", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			// Hidden entries are deleted like any other.
			op := batch.NewDelete(args[0], r.session, r.options(&filterFlags{hidden: true}))
			return r.run(op)
		},
	}
}

// newUploadCmd creates the 'upload' command.
func newUploadCmd() *cobra.Command {
	var (
		filters        filterFlags
		skipExisting   bool
		deleteOnCancel bool
	)

	cmd := &cobra.Command{
		Use:   "upload LOCAL_DIR REMOTE_DIR",
		Short: "Upload a local directory tree",
		Long: `Upload the contents of LOCAL_DIR into REMOTE_DIR, creating remote
directories as needed. Large files are sent in chunks and resume where
they stopped after a failure.

Examples:
  rescale-bulk upload ./results /projects/run-42
  rescale-bulk upload ./data /data --exclude '*.tmp' --skip-existing`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localDir, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			info, err := os.Stat(localDir)
			if err != nil {
				return fmt.Errorf("failed to access %s: %w", localDir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", localDir)
			}

			r, err := newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := batch.UploadOptions{
				Options:        r.options(&filters),
				SkipExisting:   skipExisting,
				DeleteOnCancel: deleteOnCancel || r.cfg.DeleteOnCancel,
			}
			opts.Name = fmt.Sprintf("upload %s → %s", localDir, args[1])

			counter := progress.NewCounter(progress.NewCLIProgress(cmd.ErrOrStderr()), "Scanning "+localDir)
			op, stats, err := batch.NewUpload(commandContext(cmd), osfs.New(localDir), "/", args[1],
				scanLister{Lister: r.session, counter: counter}, opts)
			counter.Done()
			if err != nil {
				return err
			}
			r.logger.Info().Int64("files", stats.Files).Int64("directories", stats.Directories).
				Int64("bytes", stats.Bytes).Msg("Scan complete")
			return r.run(op)
		},
	}
	filters.register(cmd)
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "Leave remote files that already have the local size")
	cmd.Flags().BoolVar(&deleteOnCancel, "delete-on-cancel", false, "Remove partially uploaded files when cancelled")
	return cmd
}

// newDownloadCmd creates the 'download' command.
func newDownloadCmd() *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "download REMOTE_DIR LOCAL_DIR",
		Short: "Download a remote directory tree",
		Long: `Download REMOTE_DIR into LOCAL_DIR. Files are written under a
temporary name and renamed once complete; files already present with
the remote size are left alone. Free disk space is checked before each
file.

Examples:
  rescale-bulk download /projects/run-42 ./run-42
  rescale-bulk download /data ./data --include '**/*.csv'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localDir, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[1], err)
			}
			if err := os.MkdirAll(localDir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", localDir, err)
			}

			r, err := newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := batch.DownloadOptions{
				Options:    r.options(&filters),
				CheckSpace: checkSpace,
			}
			opts.Name = fmt.Sprintf("download %s → %s", args[0], localDir)
			op, err := batch.NewDownload(args[0], osfs.New(localDir), "/", r.session, opts)
			if err != nil {
				return err
			}
			return r.run(op)
		},
	}
	filters.register(cmd)
	return cmd
}

// newCopyCmd creates the 'copy' command.
func newCopyCmd() *cobra.Command {
	var (
		filters        filterFlags
		deleteOnCancel bool
	)

	cmd := &cobra.Command{
		Use:   "copy SOURCE_DIR TARGET_DIR",
		Short: "Copy a remote directory tree to another remote location",
		Long: `Copy SOURCE_DIR to TARGET_DIR on the same server. Data passes through
this machine; large files are streamed in chunks.

Examples:
  rescale-bulk copy /projects/run-42 /archive/run-42`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := batch.CopyOptions{
				Options:        r.options(&filters),
				DeleteOnCancel: deleteOnCancel || r.cfg.DeleteOnCancel,
			}
			op, err := batch.NewCopy(args[0], args[1], r.session, opts)
			if err != nil {
				return err
			}
			return r.run(op)
		},
	}
	filters.register(cmd)
	cmd.Flags().BoolVar(&deleteOnCancel, "delete-on-cancel", false, "Remove partially copied files when cancelled")
	return cmd
}

// newArchiveCmd creates the 'archive' command.
func newArchiveCmd() *cobra.Command {
	var (
		filters     filterFlags
		compression string
	)

	cmd := &cobra.Command{
		Use:   "archive REMOTE_DIR [OUTPUT]",
		Short: "Download a remote directory tree into a single tar archive",
		Long: `Download REMOTE_DIR into one .tar.gz (or .tar with --compression none).
OUTPUT defaults to a name derived from REMOTE_DIR in the current directory.

Large files are held in a spool directory next to the archive until they
are complete, so the archive never contains partial entries.

Examples:
  rescale-bulk archive /projects/run-42
  rescale-bulk archive /projects/run-42 run-42.tar --compression none`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if compression != archive.CompressionGzip && compression != archive.CompressionNone {
				return fmt.Errorf("unknown compression %q (expected %s or %s)", compression, archive.CompressionGzip, archive.CompressionNone)
			}
			output := archive.FileName(args[0], compression)
			if len(args) == 2 {
				output = args[1]
			}
			output, err := filepath.Abs(output)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", output, err)
			}
			outDir := filepath.Dir(output)
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", outDir, err)
			}

			r, err := newRunner(cmd, true)
			if err != nil {
				return err
			}
			defer r.Close()

			spoolDir, err := os.MkdirTemp(outDir, constants.ArchiveSpoolPrefix)
			if err != nil {
				return fmt.Errorf("failed to create spool directory: %w", err)
			}
			defer os.RemoveAll(spoolDir)

			w, err := archive.Create(osfs.New(outDir), filepath.Base(output), compression)
			if err != nil {
				return err
			}

			opts := batch.ArchiveOptions{
				Options:    r.options(&filters),
				Spool:      osfs.New(spoolDir),
				CheckSpace: checkSpace,
			}
			opts.Name = fmt.Sprintf("archive %s → %s", args[0], output)
			op, err := batch.NewArchive(args[0], w, r.session, opts)
			if err != nil {
				w.Close()
				return err
			}

			runErr := r.run(op)
			if err := w.Close(); err != nil && runErr == nil {
				runErr = fmt.Errorf("failed to finish archive: %w", err)
			}
			files, bytes := w.Stats()
			r.logger.Info().Str("archive", output).Int64("files", files).Int64("bytes", bytes).Msg("Archive written")
			return runErr
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVar(&compression, "compression", archive.CompressionGzip, "Archive compression: gzip or none")
	return cmd
}
