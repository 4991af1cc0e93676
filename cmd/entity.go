package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Read and seed canonical records",
}

// -- entity show --

var entityShowCmd = &cobra.Command{
	Use:   "show <entity>",
	Short: "Show a canonical record's fields and versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		e, err := env.Store.GetEntity(ctx, ref)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, e)
		}
		formatEntity(os.Stdout, e)
		return nil
	},
}

// -- entity create --

var entityCreateCmd = &cobra.Command{
	Use:   "create <entity> [field=value ...]",
	Short: "Create a canonical record with initial field values",
	Long:  "Seeds a record the engine can reconcile against. Initial values are checked against the schema. Existing records are left untouched.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		now := time.Now().UTC()
		e := &model.Entity{Ref: ref, Fields: make(map[string]model.FieldValue, len(values)), CreatedAt: now}
		for name, v := range values {
			if err := env.Schema.Validate(ref.Kind, name, &v); err != nil {
				return err
			}
			e.Fields[name] = model.FieldValue{
				Entity:     ref,
				Field:      name,
				Value:      &v,
				ModifiedBy: "seed",
				ModifiedAt: &now,
			}
		}

		created, err := env.Store.CreateEntity(ctx, e)
		if err != nil {
			return eris.Wrap(err, "entity create")
		}
		if !created {
			fmt.Fprintf(os.Stderr, "%s already exists; left unchanged.\n", ref)
			return nil
		}
		fmt.Fprintf(os.Stdout, "created %s with %d fields\n", ref, len(values))
		return nil
	},
}

// parseAssignments parses field=value arguments.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, eris.Errorf("expected field=value, got %q", a)
		}
		if _, dup := out[name]; dup {
			return nil, eris.Errorf("field %q given twice", name)
		}
		out[name] = value
	}
	return out, nil
}

func init() {
	entityShowCmd.Flags().Bool("json", false, "print JSON")

	entityCmd.AddCommand(entityShowCmd, entityCreateCmd)
	rootCmd.AddCommand(entityCmd)
}
