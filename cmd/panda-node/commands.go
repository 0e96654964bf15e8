package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/config"
	"github.com/p2panda/node/internal/schema"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AdminEnabled() {
				return errors.New("admin.signing_secret is required to issue tokens")
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	return cmd
}

func newRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <schema-id>",
		Short: "Drop and replay the projection of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaID, err := bamboo.NewHash(args[0])
			if err != nil {
				return err
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			node, err := openNode(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer node.Close()

			result, err := node.materializer.Rebuild(cmd.Context(), schemaID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d, failed %d\n", result.Applied, result.Failed)
			return nil
		},
	}
}

type schemasDocument struct {
	Schemas []schema.Definition `yaml:"schemas"`
}

func newSchemasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "Print registered schemas as a configuration fragment",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			node, err := openNode(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer node.Close()

			registered, err := node.schemas.List(cmd.Context())
			if err != nil {
				return err
			}
			document := schemasDocument{Schemas: make([]schema.Definition, 0, len(registered))}
			for _, resolved := range registered {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s: %s\n", resolved.Definition.Name, resolved.ID)
				document.Schemas = append(document.Schemas, resolved.Definition)
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(document); err != nil {
				return err
			}
			return encoder.Close()
		},
	}
}

func newLipmaaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lipmaa <seq-num>",
		Short: "Print the skiplink target and certificate pool of a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || value == 0 {
				return fmt.Errorf("sequence number must be a positive integer: %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seq_num:          %d\n", value)
			fmt.Fprintf(cmd.OutOrStdout(), "lipmaa:           %d\n", bamboo.Lipmaa(value))
			fmt.Fprintf(cmd.OutOrStdout(), "certificate_pool: %v\n", bamboo.CertificatePool(value))
			return nil
		},
	}
}
