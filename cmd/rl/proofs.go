package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"readyline/internal/domain"
	"readyline/internal/engine"
)

func proofCmd() *cobra.Command {
	proof := &cobra.Command{
		Use:   "proof",
		Short: "Submit and review proofs",
		Long:  "A proof counts once it is valid, not superseded and approved by someone other than its uploader. Approval is forward only.",
	}
	proof.AddCommand(proofSubmitCmd())
	proof.AddCommand(proofDecideCmd("approve", engine.DecisionApprove))
	proof.AddCommand(proofDecideCmd("reject", engine.DecisionReject))
	proof.AddCommand(proofAmendCmd())
	proof.AddCommand(proofInvalidateCmd())
	proof.AddCommand(proofListCmd())
	return proof
}

func proofSubmitCmd() *cobra.Command {
	var opts engine.ProofSubmitOptions
	var typ string
	cmd := &cobra.Command{
		Use:   "submit <unit-id>",
		Short: "Submit a proof for a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UnitID = args[0]
			opts.Type = domain.ProofType(strings.ToLower(typ))
			opts.UploaderID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, transitions, err := e.SubmitProof(ctx, opts)
				if err != nil {
					return err
				}
				return printWithTransitions("proof", p, transitions)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proof id (generated when empty)")
	cmd.Flags().StringVar(&typ, "type", "", "photo, video, document or link")
	cmd.Flags().StringVar(&opts.URL, "url", "", "where the evidence lives")
	cmd.Flags().StringVar(&opts.FileHash, "hash", "", "content hash")
	cmd.Flags().StringVar(&opts.ReferenceNumber, "reference", "", "reference number")
	cmd.Flags().StringVar(&opts.ExpiryDate, "expires", "", "expiry date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.ReplacesProofID, "replaces", "", "proof this one supersedes once approved")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func proofDecideCmd(use string, decision engine.Decision) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <proof-id>",
		Short: fmt.Sprintf("%s a pending proof", strings.ToUpper(use[:1])+use[1:]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, transitions, err := e.DecideProof(ctx, engine.ProofDecisionOptions{
					ProofID:    args[0],
					ApproverID: actorID(),
					Decision:   decision,
					Reason:     reason,
				})
				if err != nil {
					return err
				}
				return printWithTransitions("proof", p, transitions)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision note")
	return cmd
}

func proofAmendCmd() *cobra.Command {
	var opts engine.ProofAmendOptions
	cmd := &cobra.Command{
		Use:   "amend <proof-id>",
		Short: "Fill in metadata on a pending proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProofID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, transitions, err := e.AmendProof(ctx, opts)
				if err != nil {
					return err
				}
				return printWithTransitions("proof", p, transitions)
			})
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "where the evidence lives")
	cmd.Flags().StringVar(&opts.FileHash, "hash", "", "content hash")
	cmd.Flags().StringVar(&opts.ReferenceNumber, "reference", "", "reference number")
	cmd.Flags().StringVar(&opts.ExpiryDate, "expires", "", "expiry date")
	return cmd
}

func proofInvalidateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "invalidate <proof-id>",
		Short: "Mark a proof invalid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, transitions, err := e.InvalidateProof(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printWithTransitions("proof", p, transitions)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proof no longer holds")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func proofListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <unit-id>",
		Short: "List proofs of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProofs(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(items, proofHeader, proofRows(items))
			})
		},
	}
}

var proofHeader = table.Row{"ID", "Type", "Uploaded By", "Approval", "Valid", "Superseded By", "Expires"}

func proofRows(items []domain.Proof) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, p.Type, p.UploadedBy, p.ApprovalState, p.Valid, p.SupersededBy, p.ExpiryDate})
	}
	return rows
}
