/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Config command implementations. Shows, validates and exports the effective
configuration after file and environment overrides.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigShow prints the effective configuration as YAML
func ConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	m, err := cfg.ToMap()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

// ConfigValidate checks the configuration against the registered plugins
func ConfigValidate(cmd *cobra.Command, args []string) error {
	fmt.Println("🔍 Validating configuration...")
	fmt.Println()

	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	regs, err := NewRegistries(lg.GetLogger())
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate(regs.Protocols.Names(), regs.Transports.Names())
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return err
	}

	fmt.Printf("✅ Protocol:  %s\n", cfg.Protocol.Type)
	fmt.Printf("✅ Transport: %s\n", cfg.Transport.Backend)

	var unknown int
	for i, entry := range cfg.Anomalies {
		name, _ := entry["type"].(string)
		if !regs.Anomalies.Has(name) {
			fmt.Printf("⚠️  Warning: anomalies[%d]: unknown anomaly %q will be skipped\n", i, name)
			unknown++
		}
	}
	fmt.Printf("✅ Anomalies: %d configured, %d known\n", len(cfg.Anomalies), len(cfg.Anomalies)-unknown)
	for _, w := range warnings {
		fmt.Printf("⚠️  Warning: %s\n", w)
	}

	fmt.Println("\n✨ Configuration is valid!")
	return nil
}

// ConfigExport writes the effective configuration to args[0]
func ConfigExport(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Export(args[0]); err != nil {
		return err
	}
	fmt.Printf("💾 Configuration exported to %s\n", args[0])
	return nil
}
