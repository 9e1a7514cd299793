package main

import (
	"errors"
	"fmt"
	"strings"

	"vpsmesh/cmd/vpsmesh/cmdutil"
	"vpsmesh/cmd/vpsmesh/ui"
	"vpsmesh/internal/reconcile"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var hf cmdutil.HostFlags

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring the running daemon in line with the stored roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, host, err := hf.Resolve()
			if err != nil {
				return err
			}
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ch, err := s.Connect(cmd.Context(), host, hf.ProbeTimeout)
			if err != nil {
				return cmdutil.DecorateError("reconcile "+host.Address, err)
			}
			defer func() { _ = ch.Close() }()

			report, err := s.Orchestrator.Reconcile(cmd.Context(), ch)
			if err != nil {
				return cmdutil.DecorateError("reconcile "+host.Address, err)
			}
			fmt.Println(reconcileSummary(host.Address, report))
			return nil
		},
	}
	hf.Bind(cmd)
	return cmd
}

func reconcileSummary(endpoint string, r reconcile.Report) string {
	if !r.Changed() {
		return ui.SuccessMsg("%s already matches its roster (%d peers)", ui.Bold(endpoint), r.Unchanged)
	}
	parts := make([]string, 0, 2)
	if len(r.Upserted) > 0 {
		parts = append(parts, "set "+strings.Join(r.Upserted, ", "))
	}
	if len(r.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %d unknown", len(r.Removed)))
	}
	return ui.SuccessMsg("%s reconciled: %s", ui.Bold(endpoint), strings.Join(parts, "; "))
}

func destroyCmd() *cobra.Command {
	var (
		hf  cmdutil.HostFlags
		yes bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Stop the mesh server and delete its configuration and roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := hf.Resolve()
			if err != nil {
				return err
			}
			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Destroy the mesh on %s? Every issued client stops working.", host.Address), "pass --yes to skip")
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("aborted")
				}
			}

			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ch, err := s.Connect(cmd.Context(), host, hf.ProbeTimeout)
			if err != nil {
				return cmdutil.DecorateError("destroy "+host.Address, err)
			}
			defer func() { _ = ch.Close() }()

			if err := s.Orchestrator.Destroy(cmd.Context(), ch); err != nil {
				return cmdutil.DecorateError("destroy "+host.Address, err)
			}
			fmt.Println(ui.SuccessMsg("destroyed the mesh on %s (host %s kept in config)", ui.Bold(host.Address), ui.Accent(name)))
			return nil
		},
	}
	hf.Bind(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func hardenCmd() *cobra.Command {
	var hf cmdutil.HostFlags

	cmd := &cobra.Command{
		Use:   "harden",
		Short: "Disable SSH password authentication on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, host, err := hf.Resolve()
			if err != nil {
				return err
			}
			s, err := cmdutil.OpenSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ch, err := s.Connect(cmd.Context(), host, hf.ProbeTimeout)
			if err != nil {
				return cmdutil.DecorateError("harden "+host.Address, err)
			}
			defer func() { _ = ch.Close() }()

			if err := s.Orchestrator.Harden(cmd.Context(), ch); err != nil {
				return cmdutil.DecorateError("harden "+host.Address, err)
			}
			fmt.Println(ui.SuccessMsg("password login disabled on %s", ui.Bold(host.Address)))
			return nil
		},
	}
	hf.Bind(cmd)
	return cmd
}
