/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: list.go
Description: List command implementation. Prints the registered anomalies, protocols and
transports, and the packet types and fields of the configured protocol.
*/

package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ListPlugins prints one kind of registered plugin
func ListPlugins(cmd *cobra.Command, args []string) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.GetLogger()

	regs, err := NewRegistries(logger)
	if err != nil {
		return err
	}

	switch args[0] {
	case "anomalies":
		category := viper.GetString("list.category")
		fmt.Println("🔧 Available Anomalies")
		fmt.Println("======================")
		printMetadata(regs.Anomalies.List(category), true)
	case "protocols":
		fmt.Println("📡 Available Protocols")
		fmt.Println("======================")
		printMetadata(regs.Protocols.List(""), false)
	case "transports":
		fmt.Println("🚚 Available Transports")
		fmt.Println("=======================")
		printMetadata(regs.Transports.List(""), false)
	case "packet-types", "fields":
		builder, err := regs.Protocols.Create(cfg.Protocol.Type, protocols.Options{
			Network: cfg.Network,
			Params:  cfg.Protocol.Section(cfg.Protocol.Type),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s builder: %w", cfg.Protocol.Type, err)
		}
		if args[0] == "packet-types" {
			listPacketTypes(builder)
		} else {
			listFields(builder, viper.GetString("list.packet_type"))
		}
	default:
		return fmt.Errorf("unknown list target %q (anomalies, packet-types, fields, transports, protocols)", args[0])
	}
	return nil
}

func printMetadata(entries []registry.Metadata, grouped bool) {
	if len(entries) == 0 {
		fmt.Println("  (none)")
		return
	}
	if !grouped {
		for _, m := range entries {
			fmt.Printf("  %-20s %s\n", m.Name, m.Description)
		}
		return
	}

	byCategory := make(map[string][]registry.Metadata)
	var categories []string
	for _, m := range entries {
		if _, ok := byCategory[m.Category]; !ok {
			categories = append(categories, m.Category)
		}
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}
	sort.Strings(categories)

	for _, c := range categories {
		fmt.Printf("\n[%s]\n", c)
		for _, m := range byCategory[c] {
			line := fmt.Sprintf("  %-22s %s", m.Name, m.Description)
			if len(m.AppliesTo) > 0 {
				line += fmt.Sprintf(" (applies to: %s)", strings.Join(m.AppliesTo, ", "))
			}
			fmt.Println(line)
		}
	}
}

func listPacketTypes(b protocols.Builder) {
	fmt.Printf("📦 %s Packet Types\n", strings.ToUpper(b.Protocol()))
	fmt.Println("=====================")
	def := b.DefaultPacketType()
	for _, t := range b.ListPacketTypes() {
		if t == def {
			fmt.Printf("  %s (default)\n", t)
			continue
		}
		fmt.Printf("  %s\n", t)
	}
}

func listFields(b protocols.Builder, packetType string) {
	title := "common"
	if packetType != "" {
		title = packetType
	}
	fmt.Printf("🧩 %s Fields (%s)\n", strings.ToUpper(b.Protocol()), title)
	fmt.Println("=====================")

	fields := b.ListFields(packetType)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-24s %s\n", name, fields[name])
	}
}
