package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lucasnoah/conveyor/internal/config"
	"github.com/lucasnoah/conveyor/internal/topology"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print each application's pipeline",
	Long: `Validate the configuration. Problems are grouped by section. A valid
configuration prints the stage order of every declared application.
With --resolve-secrets every awssm: reference is fetched once, so missing
secrets or permissions show up before serve starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if errs := config.Validate(cfg); len(errs) > 0 {
			printValidationErrors(cmd, errs)
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		if resolve, _ := cmd.Flags().GetBool("resolve-secrets"); resolve {
			if err := cfg.ResolveSecrets(cmd.Context(), &lazySecrets{region: cfg.Secrets.Region}); err != nil {
				return fmt.Errorf("resolve secrets: %w", err)
			}
			cmd.Println("Secret references resolved.")
		}

		cmd.Println("Configuration is valid.")
		cmd.Printf("storage: %s, stage timeout %s, recover after %s\n",
			cfg.Storage.Driver, cfg.Executor.StageTimeout(), cfg.Executor.StaleAfter())
		for _, ac := range cfg.Applications {
			topo, err := topology.FromApplication(ac.ToApplication())
			if err != nil {
				return err
			}
			cmd.Printf("  %s/%s: %s\n", ac.Org, ac.Name, describeStages(topo))
		}
		return nil
	},
}

// printValidationErrors lists errors under their top-level section.
func printValidationErrors(cmd *cobra.Command, errs []config.ValidationError) {
	bySection := make(map[string][]config.ValidationError)
	for _, e := range errs {
		section, _, _ := strings.Cut(e.Field, ".")
		section, _, _ = strings.Cut(section, "[")
		bySection[section] = append(bySection[section], e)
	}
	sections := make([]string, 0, len(bySection))
	for s := range bySection {
		sections = append(sections, s)
	}
	slices.Sort(sections)

	cmd.Println("Validation errors:")
	for _, s := range sections {
		cmd.Printf("%s:\n", s)
		for _, e := range bySection[s] {
			cmd.Printf("  - %s\n", e)
		}
	}
}

func describeStages(topo topology.Topology) string {
	names := make([]string, len(topo.Stages))
	for i, st := range topo.Stages {
		names[i] = st.Name
		if st.ApprovalRequired {
			group := st.ApprovalGroup
			if group == "" {
				group = "anyone"
			}
			names[i] += " [approval: " + group + "]"
		}
	}
	out := strings.Join(names, " -> ")
	if topo.PRDeploys {
		out += " (+ pull request stages)"
	}
	return out
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	Long: `Show the configuration after defaults and environment overrides.
Secret values are masked; awssm: references are shown unresolved.
--section limits the output to one top-level key such as executor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		if section, _ := cmd.Flags().GetString("section"); section != "" {
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("reading marshalled config: %w", err)
			}
			v, ok := doc[section]
			if !ok {
				return fmt.Errorf("unknown config section %q", section)
			}
			if data, err = yaml.Marshal(map[string]any{section: v}); err != nil {
				return fmt.Errorf("marshalling section %s: %w", section, err)
			}
		}

		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configValidateCmd.Flags().Bool("resolve-secrets", false, "fetch awssm: references to check they resolve")
	configShowCmd.Flags().String("section", "", "print only this top-level section")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
