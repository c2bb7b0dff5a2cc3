// Package egress installs and removes the kernel-level, fail-closed
// packet filter that forces a single runtime user's outbound traffic
// through the loopback forward proxy (and nowhere else but DNS).
package egress

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Config describes the table to install.
type Config struct {
	// TableName is the nftables table name, e.g. "acp_filter".
	TableName string
	// UID is the runtime user's numeric id; only its traffic is
	// restricted.
	UID int
	// ProxyPort is the loopback port the forward proxy listens on.
	ProxyPort int
	// DNSServers are the resolver addresses permitted on port 53.
	DNSServers []string

	StatePath string
	Logger    *log.Logger
}

// Controller manages the lifecycle of one installed table.
type Controller struct {
	config Config

	mu        sync.Mutex
	installed *installedState
}

// New builds a Controller. Call Reconcile once at startup before
// Install, to clean up after a crashed previous run.
func New(cfg Config) *Controller {
	return &Controller{config: cfg}
}

// validate rejects a descriptor before it ever reaches nft: uid must
// be a positive integer and proxy_port must be a valid TCP port.
func (cfg Config) validate() error {
	if cfg.UID <= 0 {
		return fmt.Errorf("invalid egress filter uid %d: must be a positive integer", cfg.UID)
	}
	if cfg.ProxyPort < 1 || cfg.ProxyPort > 65535 {
		return fmt.Errorf("invalid egress filter proxy port %d: must be in 1..65535", cfg.ProxyPort)
	}
	return nil
}

// HasCapability reports whether the process can plausibly install
// packet filter rules. nft's netlink operations require CAP_NET_ADMIN;
// in practice that means running as root, so this checks the
// effective uid the same way the rest of this daemon gates privileged
// operations rather than probing the capability set directly.
func HasCapability() bool {
	return unix.Geteuid() == 0
}

// Reconcile resolves a mismatch between a persisted descriptor and
// the live kernel state left over from a previous crashed process:
// a table with our name but no matching state file is removed before
// any fresh install, and a state file whose table has vanished is
// discarded.
func (c *Controller) Reconcile(ctx context.Context) error {
	state, err := loadState(c.config.StatePath)
	if err != nil {
		return fmt.Errorf("load egress filter state: %w", err)
	}

	live := c.tableExists(ctx)

	switch {
	case state != nil && !live:
		c.config.Logger.Printf("stale egress filter state found with no matching table, discarding")
		if err := removeState(c.config.StatePath); err != nil {
			return err
		}
	case state == nil && live:
		c.config.Logger.Printf("orphaned egress filter table %q found from a previous run, removing before reinstall", c.config.TableName)
		if err := c.deleteTable(ctx); err != nil {
			return fmt.Errorf("remove orphaned table: %w", err)
		}
	}

	c.mu.Lock()
	c.installed = state
	c.mu.Unlock()
	return nil
}

// IsInstalled reports whether the table is currently present.
func (c *Controller) IsInstalled(ctx context.Context) bool {
	return c.tableExists(ctx)
}

// Install creates the table, idempotently: if it already exists with
// the same descriptor, Install does nothing; a recorded table with a
// different descriptor is deleted and installed afresh.
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.config.validate(); err != nil {
		return err
	}

	if c.installed != nil && c.tableExists(ctx) {
		if c.installed.TableName == c.config.TableName && c.installed.UID == c.config.UID &&
			c.installed.ProxyPort == c.config.ProxyPort && slices.Equal(c.installed.DNSServers, c.config.DNSServers) {
			return nil
		}
		if err := c.deleteTable(ctx); err != nil {
			return fmt.Errorf("replace egress filter table: %w", err)
		}
	}

	script := c.buildScript()
	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install egress filter table: %w: %s", err, stderr.String())
	}

	state := &installedState{
		TableName:   c.config.TableName,
		UID:         c.config.UID,
		ProxyPort:   c.config.ProxyPort,
		DNSServers:  c.config.DNSServers,
		InstalledAt: time.Now(),
	}
	if err := saveState(c.config.StatePath, state); err != nil {
		return fmt.Errorf("persist egress filter state: %w", err)
	}
	c.installed = state

	c.config.Logger.Printf("installed egress filter table %q for uid %d, proxy port %d", c.config.TableName, c.config.UID, c.config.ProxyPort)
	return nil
}

// Remove tears down the table and is idempotent: removing an absent
// table is not an error, matching the "guaranteed teardown" invariant.
func (c *Controller) Remove(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.deleteTable(ctx); err != nil {
		return fmt.Errorf("remove egress filter table: %w", err)
	}
	if err := removeState(c.config.StatePath); err != nil {
		return err
	}
	c.installed = nil
	c.config.Logger.Printf("removed egress filter table %q", c.config.TableName)
	return nil
}

func (c *Controller) deleteTable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "nft", "delete", "table", "inet", c.config.TableName)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such file or directory") {
			return nil
		}
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func (c *Controller) tableExists(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "nft", "list", "table", "inet", c.config.TableName)
	return cmd.Run() == nil
}

// buildScript renders the nftables ruleset: permit the runtime uid's
// TCP to the loopback proxy port and DNS to the configured resolvers,
// reject everything else that uid sends, and leave every other user's
// traffic untouched.
func (c *Controller) buildScript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table inet %s {\n", c.config.TableName)
	b.WriteString("  chain output {\n")
	b.WriteString("    type filter hook output priority 0; policy accept;\n\n")
	fmt.Fprintf(&b, "    meta skuid != %d accept\n", c.config.UID)
	fmt.Fprintf(&b, "    ip daddr 127.0.0.1 tcp dport %d accept\n", c.config.ProxyPort)
	fmt.Fprintf(&b, "    ip6 daddr ::1 tcp dport %d accept\n", c.config.ProxyPort)
	for _, dns := range c.config.DNSServers {
		fmt.Fprintf(&b, "    ip daddr %s udp dport 53 accept\n", dns)
		fmt.Fprintf(&b, "    ip daddr %s tcp dport 53 accept\n", dns)
	}
	b.WriteString("    ct state established,related accept\n")
	b.WriteString("    reject with icmpx type admin-prohibited\n")
	b.WriteString("  }\n")
	b.WriteString("}\n")
	return b.String()
}
