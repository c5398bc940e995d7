package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claytonnetvision/wodpulse/internal/trainer"
)

func newLeadersCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "leaders",
		Short: "Print today's and this week's leaders by points and calories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), e.cfg, e.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			l, err := a.coach.Leaders(cmd.Context())
			if err != nil {
				return err
			}
			trainer.NewView(e.out).Leaders(l)
			return nil
		},
	}
}

func newParticipantsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "participants",
		Short: "List the roster with each participant's sensor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), e.cfg, e.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coach.Load(cmd.Context()); err != nil {
				return err
			}
			faint := color.New(color.Faint).SprintFunc()
			for _, p := range a.coach.Participants() {
				sensorID := faint("no sensor")
				if p.SensorID != "" {
					sensorID = p.SensorID
				}
				fmt.Fprintf(e.out, "%-12s %-20s max %3d bpm  %s\n", p.ID, p.Name, p.EffectiveMaxHR(), sensorID)
			}
			return nil
		},
	}
}
