package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRevalidateCmd(g *globalOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "revalidate",
		Short: "Evict cached gallery pages for a tag",
		Long: `Evict every cached gallery page carrying a tag.

Tags:
  gallery              every gallery page
  gallery:<category>   pages filtered by one category`,
		Example: "  printablesctl revalidate --tag gallery:wall-art",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tag == "" {
				return errors.New("--tag is required")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			r, err := c.Revalidate(ctx, tag)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revalidated %s: %d page(s) evicted at %s\n", r.Tag, r.Evicted, r.At().UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "invalidation tag")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}
