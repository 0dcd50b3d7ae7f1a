// ABOUTME: Tenant setup commands: bootstrap, operator tokens, schedules and catalog products
// ABOUTME: They open the configured store directly and do not need a running gateway

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/store"
)

// parseFlags reads "--name value" and "--name=value" pairs for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !slices.Contains(allowed, name) {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, nil
}

func requireFlags(values map[string]string, names ...string) error {
	for _, n := range names {
		if values[n] == "" {
			return fmt.Errorf("--%s flag is required", n)
		}
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func openStore(ctx context.Context) (*config.Config, *store.SQLStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	target := cfg.Database.Path
	if cfg.Database.Driver == "mysql" {
		target = cfg.Database.DSN
	}
	s, err := store.Open(ctx, cfg.Database.Driver, target)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

// writeDefaultConfig creates a sqlite config with fresh secrets.
func writeDefaultConfig(configPath, dbPath string) error {
	sessionSecret, err := randomSecret()
	if err != nil {
		return err
	}
	operatorSecret, err := randomSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# hearth-gateway configuration
# Generated by hearth-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  driver: "sqlite"
  path: %q

auth:
  session_secret: %q
  operator_secret: %q

assistant:
  base_url: "http://localhost:8090"

logging:
  level: "info"
  format: "text"
`, dbPath, sessionSecret, operatorSecret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with random secrets (if none exists)
// 2. Creates the first tenant and an operator for it
// 3. Writes the operator's token next to the config
func runBootstrap(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "owner", "operator")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "tenant", "owner"); err != nil {
		return err
	}
	if len(flags["tenant"]) > 100 {
		return errors.New("tenant name exceeds maximum length of 100 characters")
	}
	operatorName := flags["operator"]
	if operatorName == "" {
		operatorName = flags["owner"]
	}

	configPath := getConfigPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultConfig(configPath, filepath.Join(getDataPath(), "hearth.db")); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("checking tenants: %w", err)
	}
	if len(tenants) > 0 {
		return fmt.Errorf("bootstrap already complete: %d tenant(s) exist", len(tenants))
	}

	tenant := &store.Tenant{Name: flags["tenant"], OwnerEmail: flags["owner"]}
	if err := s.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	green.Printf("  ✓ Created tenant: %s (%s)\n", tenant.Name, tenant.ID)

	tokenPath, expiresAt, err := issueOperator(ctx, cfg, s, tenant.ID, operatorName)
	if err != nil {
		return err
	}
	green.Printf("  ✓ Saved operator token: %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Printf("    hearth-gateway schedule --tenant %s --day tuesday --slots \"9:00am,10:00am,11:00am\"\n", tenant.ID)
	fmt.Println("    hearth-gateway serve")
	fmt.Println()
	return nil
}

// runOperator creates another operator for an existing tenant.
func runOperator(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "name")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "tenant", "name"); err != nil {
		return err
	}

	cfg, s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetTenant(ctx, flags["tenant"]); err != nil {
		return fmt.Errorf("looking up tenant: %w", err)
	}

	tokenPath, expiresAt, err := issueOperator(ctx, cfg, s, flags["tenant"], flags["name"])
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Saved operator token: %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	return nil
}

// runRevoke blocks an operator. Tokens already issued stop working on the
// next request.
func runRevoke(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "operator")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "operator"); err != nil {
		return err
	}

	_, s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RevokeOperator(ctx, flags["operator"]); err != nil {
		return fmt.Errorf("revoking operator: %w", err)
	}
	color.New(color.FgYellow).Printf("  ✓ Revoked operator %s\n", flags["operator"])
	return nil
}

func issueOperator(ctx context.Context, cfg *config.Config, s *store.SQLStore, tenantID, name string) (string, time.Time, error) {
	op := &store.Operator{TenantID: tenantID, DisplayName: name}
	if err := s.CreateOperator(ctx, op); err != nil {
		return "", time.Time{}, fmt.Errorf("creating operator: %w", err)
	}

	ttl := cfg.Auth.OperatorTTL
	token, err := auth.NewJWTVerifier(cfg.OperatorSigningSecret()).Generate(op.ID, tenantID, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(getConfigPath()), "operator-"+op.ID+".token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return "", time.Time{}, fmt.Errorf("writing token file: %w", err)
	}
	return tokenPath, time.Now().Add(ttl).UTC(), nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// runSchedule sets the bookable slots of one weekday. An empty --slots or
// --active=false closes the day.
func runSchedule(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "day", "slots", "active")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "tenant", "day"); err != nil {
		return err
	}
	day, ok := weekdays[strings.ToLower(flags["day"])]
	if !ok {
		return fmt.Errorf("unknown day %q", flags["day"])
	}
	active := true
	if raw := flags["active"]; raw != "" {
		if active, err = strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("--active must be true or false: %w", err)
		}
	}

	var slots []string
	for _, slot := range strings.Split(flags["slots"], ",") {
		if slot = strings.TrimSpace(slot); slot != "" {
			slots = append(slots, slot)
		}
	}

	_, s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	coordinator := booking.NewCoordinator(s, nil, booking.Options{}, nil)
	if err := coordinator.SetSchedule(ctx, flags["tenant"], day, slots, active && len(slots) > 0); err != nil {
		return fmt.Errorf("saving schedule: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ %s: %s\n", day, strings.Join(slots, ", "))
	return nil
}

// runProduct adds a catalog product. --price is in major units ("12.50").
func runProduct(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "tenant", "name", "price", "stock")
	if err != nil {
		return err
	}
	if err := requireFlags(flags, "tenant", "name", "price"); err != nil {
		return err
	}
	cents, err := parseCents(flags["price"])
	if err != nil {
		return err
	}
	stock := 0
	if raw := flags["stock"]; raw != "" {
		if stock, err = strconv.Atoi(raw); err != nil || stock < 0 {
			return fmt.Errorf("--stock must be a non-negative integer")
		}
	}

	_, s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	p := &store.Product{
		TenantID:   flags["tenant"],
		Name:       flags["name"],
		PriceCents: cents,
		Stock:      stock,
		Active:     true,
	}
	if err := s.CreateProduct(ctx, p); err != nil {
		return fmt.Errorf("creating product: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created product %s (%s)\n", p.Name, p.ID)
	return nil
}

// parseCents converts "12", "12.5" or "12.50" to cents.
func parseCents(s string) (int64, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("price %q has more than two decimals", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid price %q", s)
		}
		if len(frac) == 1 {
			f *= 10
		}
	}
	return w*100 + f, nil
}
