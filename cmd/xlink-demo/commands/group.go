package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"xlink/internal/domain"
	"xlink/internal/group"
)

// group: creates a three-member group locally, adds and removes a member,
// and prints the epoch and root secret after each change to show the key
// schedule advancing.
func groupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group",
		Short: "Walk a group through create/add/remove and print each epoch's secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin := domain.NewDeviceId()
			memberA := domain.NewDeviceId()
			memberB := domain.NewDeviceId()
			memberC := domain.NewDeviceId()

			g, err := group.Create(domain.NewGroupId(), admin, []domain.DeviceId{admin, memberA, memberB})
			if err != nil {
				return err
			}
			printEpoch(g, "create")

			if _, err := g.Add(memberC); err != nil {
				return err
			}
			printEpoch(g, "add memberC")

			if _, err := g.Remove(memberA); err != nil {
				return err
			}
			printEpoch(g, "remove memberA")

			if g.IsMember(memberA) {
				return fmt.Errorf("memberA should no longer be a member after removal")
			}
			return nil
		},
	}
}

func printEpoch(g *group.Group, change string) {
	secret := g.Secret()
	fmt.Printf("%-16s epoch=%d members=%d secret=%x...\n", change, g.Epoch(), len(g.Members()), secret[:4])
}
