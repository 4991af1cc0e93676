package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
)

// -- propose --

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Stage one proposed field change",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		p, err := proposalFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := env.Observations.Propose(ctx, p)
		if err != nil {
			return eris.Wrap(err, "propose")
		}
		fmt.Fprintf(os.Stdout, "observation %d proposed\n", id)

		if run, _ := cmd.Flags().GetBool("reconcile"); run {
			d, err := env.Engine.Reconcile(ctx, id)
			if err != nil {
				return eris.Wrap(err, "reconcile")
			}
			formatDecision(os.Stdout, d)
		}
		return nil
	},
}

func proposalFromFlags(cmd *cobra.Command) (observation.Proposal, error) {
	var p observation.Proposal

	entity, _ := cmd.Flags().GetString("entity")
	ref, err := model.ParseEntityRef(entity)
	if err != nil {
		return p, err
	}
	source, _ := cmd.Flags().GetString("source")
	p.Source, err = model.ParseSourceKind(source)
	if err != nil {
		return p, err
	}
	p.Entity = ref
	p.Field, _ = cmd.Flags().GetString("field")
	p.Confidence, _ = cmd.Flags().GetFloat64("confidence")
	p.Reference, _ = cmd.Flags().GetString("reference")
	p.Reasoning, _ = cmd.Flags().GetString("reasoning")

	// An absent flag means the field is unset (current) or cleared (proposed).
	if cmd.Flags().Changed("current") {
		v, _ := cmd.Flags().GetString("current")
		p.CurrentValue = &v
	}
	if cmd.Flags().Changed("proposed") {
		v, _ := cmd.Flags().GetString("proposed")
		p.ProposedValue = &v
	}
	if expires, _ := cmd.Flags().GetString("expires"); expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return p, eris.Wrap(err, "--expires must be RFC 3339")
		}
		p.ExpiresAt = &t
	}
	return p, nil
}

// -- pending --

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending observations in creation order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		entity, err := entityFlag(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var obs []model.Observation
		for o, err := range env.Observations.ListPending(ctx, entity) {
			if err != nil {
				return err
			}
			obs = append(obs, o)
			if limit > 0 && len(obs) >= limit {
				break
			}
		}

		if asJSON {
			return printJSON(os.Stdout, obs)
		}
		if len(obs) == 0 {
			fmt.Fprintln(os.Stderr, "No pending observations.")
			return nil
		}
		formatObservations(os.Stdout, obs)
		return nil
	},
}

// -- show --

var showCmd = &cobra.Command{
	Use:   "show <observation-id>",
	Short: "Show one observation with its decision trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.Observations.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, o)
	},
}

// -- reconcile --

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [observation-id]",
	Short: "Decide one observation, or every pending observation with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		entity, err := entityFlag(cmd)
		if err != nil {
			return err
		}
		if len(args) == 0 && !all && entity == nil {
			return eris.New("give an observation id, --entity or --all")
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := env.Engine.Reconcile(ctx, id)
			if err != nil {
				return err
			}
			formatDecision(os.Stdout, d)
			return nil
		}

		sum, err := env.Engine.ReconcilePending(ctx, entity)
		if err != nil {
			return eris.Wrap(err, "reconcile pending")
		}
		formatSummary(os.Stdout, sum)
		return nil
	},
}

// -- approve / reject --

var approveCmd = &cobra.Command{
	Use:   "approve <observation-id>",
	Short: "Apply an observation on a reviewer's behalf",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return review(cmd, args[0], func(env *appEnv) reviewFunc { return env.Engine.Approve })
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <observation-id>",
	Short: "Reject an observation on a reviewer's behalf",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return review(cmd, args[0], func(env *appEnv) reviewFunc { return env.Engine.Reject })
	},
}

type reviewFunc func(ctx context.Context, id int64, reviewer, notes string) (*reconcile.Decision, error)

func review(cmd *cobra.Command, arg string, pick func(*appEnv) reviewFunc) error {
	ctx := cmd.Context()

	id, err := parseID(arg)
	if err != nil {
		return err
	}
	reviewer, _ := cmd.Flags().GetString("reviewer")
	notes, _ := cmd.Flags().GetString("notes")

	env, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	d, err := pick(env)(ctx, id, reviewer, notes)
	if err != nil {
		return err
	}
	formatDecision(os.Stdout, d)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid observation id %q", s)
	}
	return id, nil
}

func entityFlag(cmd *cobra.Command) (*model.EntityRef, error) {
	v, _ := cmd.Flags().GetString("entity")
	if v == "" {
		return nil, nil
	}
	ref, err := model.ParseEntityRef(v)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func init() {
	proposeCmd.Flags().String("entity", "", "entity ref, e.g. project:42 (required)")
	proposeCmd.Flags().String("field", "", "field name (required)")
	proposeCmd.Flags().String("current", "", "value the producer saw (omit for unset)")
	proposeCmd.Flags().String("proposed", "", "new value (omit to clear the field)")
	proposeCmd.Flags().Float64("confidence", 0, "confidence in [0, 1] (required)")
	proposeCmd.Flags().String("source", string(model.SourceAIInference), "producer kind")
	proposeCmd.Flags().String("reference", "", "source reference, e.g. an email id")
	proposeCmd.Flags().String("reasoning", "", "why the producer believes the change")
	proposeCmd.Flags().String("expires", "", "expiry time (RFC 3339, default from config)")
	proposeCmd.Flags().Bool("reconcile", false, "reconcile the observation right away")
	_ = proposeCmd.MarkFlagRequired("entity")
	_ = proposeCmd.MarkFlagRequired("field")
	_ = proposeCmd.MarkFlagRequired("confidence")

	pendingCmd.Flags().String("entity", "", "only this entity, e.g. project:42")
	pendingCmd.Flags().Int("limit", 100, "maximum observations to list (0 = all)")
	pendingCmd.Flags().Bool("json", false, "print JSON")

	reconcileCmd.Flags().Bool("all", false, "reconcile every pending observation")
	reconcileCmd.Flags().String("entity", "", "reconcile every pending observation of this entity")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().String("reviewer", "", "reviewer id (required)")
		c.Flags().String("notes", "", "review notes")
		_ = c.MarkFlagRequired("reviewer")
	}

	rootCmd.AddCommand(proposeCmd, pendingCmd, showCmd, reconcileCmd, approveCmd, rejectCmd)
}
