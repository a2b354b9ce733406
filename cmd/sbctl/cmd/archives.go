package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	s3blob "github.com/alanyoungcy/sbmarket/internal/blob/s3"
)

var (
	archiveDay string
	archiveGet string
)

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived market snapshots for a UTC day, or print one file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := s3blob.New(cmd.Context(), s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}

		// Browsing only needs the reader.
		archiver := s3blob.NewArchiver(nil, nil, nil, s3blob.NewReader(client), nil, cfg.Archive.Prefix, newLogger(cmd.ErrOrStderr()))
		if archiveGet != "" {
			body, err := archiver.Open(cmd.Context(), archiveGet)
			if err != nil {
				return err
			}
			defer body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), body)
			return err
		}

		day := archiveDay
		if day == "" {
			day = time.Now().UTC().Format(time.DateOnly)
		}
		objects, err := archiver.List(cmd.Context(), day)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, objects)
		}
		if len(objects) == 0 {
			fmt.Fprintf(out, "No archives for %s.\n", day)
			return nil
		}
		for _, o := range objects {
			fmt.Fprintf(out, "%s  %8d  %s\n", o.LastModified.UTC().Format(time.RFC3339), o.Size, o.Path)
		}
		return nil
	},
}

func init() {
	archivesCmd.Flags().StringVar(&archiveDay, "day", "", "UTC day as YYYY-MM-DD (default today)")
	archivesCmd.Flags().StringVar(&archiveGet, "get", "", "print the archive file at this path as JSON lines")
}
