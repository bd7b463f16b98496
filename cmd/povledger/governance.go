package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/governance"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/quorum"
	"github.com/spf13/cobra"
)

// withService runs fn against a service opened for one command. Writes go
// through raft when replication is enabled, so the node must be the leader.
func withService(cmd *cobra.Command, m mode, fn func(rt *runtime, svc *governance.Service) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if m == modeWrite {
		if err := rt.startReplication(ctx, nil); err != nil {
			return err
		}
		if err := rt.awaitLeadership(ctx); err != nil {
			return err
		}
	}

	svc, err := rt.openService(m)
	if err != nil {
		return err
	}
	return fn(rt, svc)
}

func addGovernanceCommands(root *cobra.Command) {
	memberRequestCmd.Flags().String("name", "", "display name of the candidate")
	memberRequestCmd.Flags().String("role", "voter", "role requested: voter or non_voter")
	memberListCmd.Flags().Bool("pending", false, "list pending membership requests")
	memberListCmd.Flags().Bool("rejected", false, "list rejected membership requests")
	memberCmd.AddCommand(memberRequestCmd, memberVoteCmd, memberWithdrawCmd, memberListCmd)

	txSubmitCmd.Flags().String("kind", "", "transaction kind, e.g. proposal, funding, agreement")
	txSubmitCmd.Flags().String("sender", "", "sending member")
	txSubmitCmd.Flags().String("recipient", "", "receiving member")
	txSubmitCmd.Flags().String("payload", "", "opaque JSON payload")
	txSubmitCmd.MarkFlagRequired("kind")
	txCmd.AddCommand(txSubmitCmd)

	blockVoteCmd.Flags().Uint64("round", 0, "proposal round printed by block propose")
	blockVoteCmd.MarkFlagRequired("round")
	blockDiscardCmd.Flags().Uint64("round", 0, "proposal round printed by block propose")
	blockDiscardCmd.MarkFlagRequired("round")
	blockCmd.AddCommand(blockProposeCmd, blockVoteCmd, blockDiscardCmd)

	root.AddCommand(bootstrapCmd, memberCmd, txCmd, blockCmd, chainCmd, sweepCmd)
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Admit the founding members listed in the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			founders, err := rt.founders()
			if err != nil {
				return err
			}

			admitted, err := svc.Bootstrap(founders...)
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			for _, m := range admitted {
				fmt.Printf("Admitted founder: %s (%s)\n", m.ID, m.Role)
			}
			return nil
		})
	},
}

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage membership requests",
}

var memberRequestCmd = &cobra.Command{
	Use:   "request <candidate-id>",
	Short: "Submit a membership request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		roleName, _ := cmd.Flags().GetString("role")
		role, err := membership.ParseRole(roleName)
		if err != nil {
			return err
		}

		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			req, err := svc.SubmitMembershipRequest(args[0], name, role)
			if err != nil {
				return err
			}
			fmt.Printf("Membership request submitted: %s\n", req.ID)
			fmt.Printf("  Candidate: %s (%s)\n", req.Candidate, req.Role)
			return nil
		})
	},
}

var memberVoteCmd = &cobra.Command{
	Use:   "vote <request-id> <voter-id> <approve|reject>",
	Short: "Vote on a membership request",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := quorum.ParseDecision(args[2])
		if err != nil {
			return err
		}

		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			req, err := svc.VoteMembership(args[0], args[1], decision)
			if err != nil {
				return err
			}
			printRequest(req)
			return nil
		})
	},
}

var memberWithdrawCmd = &cobra.Command{
	Use:   "withdraw <request-id>",
	Short: "Withdraw a pending membership request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			req, changed, err := svc.WithdrawMembershipRequest(args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Request was already resolved")
			}
			printRequest(req)
			return nil
		})
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active members, or pending/rejected requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, _ := cmd.Flags().GetBool("pending")
		rejected, _ := cmd.Flags().GetBool("rejected")

		return withService(cmd, modeRead, func(rt *runtime, svc *governance.Service) error {
			switch {
			case pending:
				for _, r := range svc.PendingRequests() {
					printRequest(r)
				}
			case rejected:
				for _, r := range svc.RejectedRequests() {
					printRequest(r)
				}
			default:
				for _, m := range svc.Members() {
					fmt.Printf("%s\t%s\t%s\tjoined %s\n", m.ID, m.Name, m.Role, m.JoinedAt.Format(time.RFC3339))
				}
			}
			return nil
		})
	},
}

func printRequest(r membership.Request) {
	fmt.Printf("%s\t%s\t%s", r.ID, r.Candidate, r.Status)
	if r.Reason != "" {
		fmt.Printf(" (%s)", r.Reason)
	}
	if r.Required > 0 {
		fmt.Printf("\t%d approve / %d reject of %d required", r.Approvals(), r.Rejections(), r.Required)
	}
	fmt.Println()
}

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Manage pending transactions",
}

var txSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Add a transaction to the pending pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		sender, _ := cmd.Flags().GetString("sender")
		recipient, _ := cmd.Flags().GetString("recipient")
		payload, _ := cmd.Flags().GetString("payload")

		tx := ledger.Transaction{Kind: kind, Sender: sender, Recipient: recipient}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			tx.Payload = json.RawMessage(payload)
		}

		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			tx, err := svc.SubmitTransaction(tx)
			if err != nil {
				return err
			}
			fmt.Printf("Transaction queued: %s\n", tx.ID)
			fmt.Printf("  Pending transactions: %d\n", len(svc.PendingTransactions()))
			return nil
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Propose, vote on and discard blocks",
}

var blockProposeCmd = &cobra.Command{
	Use:   "propose <proposer-id>",
	Short: "Propose a block from the pending pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			h, err := svc.ProposeBlock(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Block %d proposed by %s (round %d)\n", h.Index, h.Proposer, h.Round)
			fmt.Printf("  Transactions: %d\n", len(h.Transactions))
			fmt.Printf("  Required approvals: %d of %d voters\n", h.Required, h.VoterSnapshot)
			return nil
		})
	},
}

var blockVoteCmd = &cobra.Command{
	Use:   "vote <index> <voter-id> <approve|reject> --round <n>",
	Short: "Vote on the proposed block",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := blockRef(cmd, args[0])
		if err != nil {
			return err
		}
		decision, err := quorum.ParseDecision(args[2])
		if err != nil {
			return err
		}

		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			b, err := svc.VoteBlock(ref, args[1], decision)
			if err != nil {
				return err
			}
			fmt.Printf("Block %d: %s\n", b.Index, b.Status)
			if b.Status == ledger.StatusApproved {
				fmt.Printf("  Hash: %s\n", b.Hash)
			}
			return nil
		})
	},
}

var blockDiscardCmd = &cobra.Command{
	Use:   "discard <index> --round <n>",
	Short: "Discard the proposed block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := blockRef(cmd, args[0])
		if err != nil {
			return err
		}

		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			b, changed, err := svc.DiscardBlock(ref)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("Block was already resolved")
			}
			fmt.Printf("Block %d: %s\n", b.Index, b.Status)
			return nil
		})
	},
}

func blockRef(cmd *cobra.Command, index string) (consensus.BlockRef, error) {
	i, err := strconv.ParseUint(index, 10, 64)
	if err != nil {
		return consensus.BlockRef{}, fmt.Errorf("invalid block index: %w", err)
	}
	round, _ := cmd.Flags().GetUint64("round")
	if round == 0 {
		return consensus.BlockRef{}, fmt.Errorf("round must be positive")
	}
	return consensus.BlockRef{Index: i, Round: round}, nil
}

var chainCmd = &cobra.Command{
	Use:   "chain [index]",
	Short: "Print the approved chain, or one block as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, modeRead, func(rt *runtime, svc *governance.Service) error {
			if len(args) == 1 {
				index, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid block index: %w", err)
				}
				b, ok := svc.Block(index)
				if !ok {
					return fmt.Errorf("block %d not found", index)
				}
				out, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			for _, b := range svc.Chain() {
				fmt.Printf("%d\t%s\t%s\tprev %s\t%d txs\t%d votes\n",
					b.Index, shortHash(b.Hash), b.Proposer, shortHash(b.PreviousHash), len(b.Transactions), len(b.Votes))
			}
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fire every reminder, auto-rejection and proposal expiry that is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, modeWrite, func(rt *runtime, svc *governance.Service) error {
			n := svc.Sweep(cmd.Context())
			fmt.Printf("Processed %d due events\n", n)
			return nil
		})
	},
}
