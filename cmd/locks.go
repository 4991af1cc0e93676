package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage field locks",
	Long:  "Locked fields are never written by the reconciliation engine. Use field \"*\" to lock every field of an entity.",
}

// -- lock acquire --

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <entity> <field>",
	Short: "Lock a field, or every field with \"*\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ref, err := model.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		req := lock.LockRequest{Entity: ref, Field: args[1]}
		req.Reason, _ = cmd.Flags().GetString("reason")
		req.By, _ = cmd.Flags().GetString("by")
		if ttl, _ := cmd.Flags().GetDuration("for"); ttl > 0 {
			until := time.Now().UTC().Add(ttl)
			req.Until = &until
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		l, err := env.Locks.Acquire(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, l.Describe())
		return nil
	},
}

// -- lock release --

var lockReleaseCmd = &cobra.Command{
	Use:   "release <entity> <field>",
	Short: "Release a field lock",
	Args:  cobra.ExactArgs(2),
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

		released, err := env.Locks.Release(ctx, ref, args[1])
		if err != nil {
			return eris.Wrap(err, "lock release")
		}
		if !released {
			fmt.Fprintf(os.Stderr, "%s was not locked.\n", model.FieldKey(ref, args[1]))
			return nil
		}
		fmt.Fprintf(os.Stdout, "released %s\n", model.FieldKey(ref, args[1]))
		return nil
	},
}

// -- lock list --

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List field locks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		entity, err := entityFlag(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		locks, err := env.Locks.List(ctx, entity, !all)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Fprintln(os.Stderr, "No locks found.")
			return nil
		}
		formatLocks(os.Stdout, locks)
		return nil
	},
}

func init() {
	lockAcquireCmd.Flags().String("reason", "", "why the field is frozen")
	lockAcquireCmd.Flags().String("by", "", "who holds the lock")
	lockAcquireCmd.Flags().Duration("for", 0, "lock duration, e.g. 72h (default until released)")

	lockListCmd.Flags().String("entity", "", "only this entity, e.g. contract:7")
	lockListCmd.Flags().Bool("all", false, "include released locks")

	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockListCmd)
	rootCmd.AddCommand(lockCmd)
}
