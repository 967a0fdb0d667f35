package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mediclab/harbui/internal/ocidist"
	"github.com/mediclab/harbui/internal/resolve"
)

func catalogCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the repositories in the registry along with their tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			catalog, err := env.client.GetCatalog(ctx)
			if err != nil {
				return err
			}

			repositories := append([]string(nil), catalog.Repositories...)
			sort.Strings(repositories)

			var data [][]string
			for _, name := range repositories {
				ns, err := ocidist.ParseNamespace(name)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: ignoring invalid repository name %q: %s\n", name, err)
					continue
				}
				tagList, err := env.client.GetNamespaceTags(ctx, ns)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cannot list tags of %s: %s\n", ns, err)
					continue
				}
				tags := make([]string, len(tagList.Tags))
				for i, tag := range tagList.Tags {
					tags[i] = tag.String()
				}
				data = append(data, []string{ns.String(), strings.Join(tags, ", ")})
			}

			renderTable(cmd.OutOrStdout(), []string{"REPOSITORY", "TAGS"}, data)
			return nil
		},
	}
}

func inspectCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <repository> <tag-or-digest>",
		Short: "Show the platform-specific images that a tag or digest refers to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, ref, err := parseImageArgs(args)
			if err != nil {
				return err
			}

			resolution, err := resolve.NewResolver(env.client).ResolveManifest(cmd.Context(), ns, ref)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s is %s (%s)\n\n", ns, ref, resolution.Digest, resolution.MediaType)
			data := make([][]string, len(resolution.Images))
			for i, image := range resolution.Images {
				data[i] = []string{
					image.Digest.String(),
					image.OS,
					image.Architecture,
					image.Author,
					units.HumanSize(float64(image.TotalSize)),
				}
			}
			renderTable(cmd.OutOrStdout(), []string{"DIGEST", "OS", "ARCH", "AUTHOR", "SIZE"}, data)
			return nil
		},
	}
}

func deleteCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <repository> <tag-or-digest>",
		Short: "Delete the manifest that a tag or digest refers to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !env.config.UI.DeletingAllowed {
				return fmt.Errorf("deleting is not allowed; set deleting_allowed = true in the ui block of %s", env.config.Filename)
			}
			ns, ref, err := parseImageArgs(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			current, err := env.client.GetManifest(ctx, ns, ref)
			if err != nil {
				return err
			}
			deleted, err := env.client.DeleteManifest(ctx, ns, current.Digest)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("the registry did not accept the deletion of %s@%s", ns, current.Digest)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s@%s\n", ns, current.Digest)
			return nil
		},
	}
}

func parseImageArgs(args []string) (ocidist.Namespace, ocidist.Reference, error) {
	ns, err := ocidist.ParseNamespace(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("invalid repository name %q: %w", args[0], err)
	}
	ref, err := ocidist.ParseReference(args[1])
	if err != nil {
		return nil, "", fmt.Errorf("invalid tag or digest %q: %w", args[1], err)
	}
	return ns, ref, nil
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
