// Package prefs turns a validated scan request into the ordered set of
// engine preferences written into a fresh scan database. Grounded on
// spec.md §4.5: ten mandatory-order steps, each a distinct method, fed by
// database/db.go's layered "if err != nil { return }" style throughout
// the teacher's own insert pipeline.
package prefs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/scan"
	"github.com/bvboe/ospd-go/scanerr"
	"github.com/bvboe/ospd-go/vtcatalog"
)

// Preference keys written into the main KB. Exported so supervisor and
// tests can read them back without duplicating the literal strings.
const (
	KeyEngineScanID  = "internal/engine_scan_id"
	KeyMainKBIndex   = "internal/scan_id"
	KeyTargets       = "target"
	KeyPorts         = "port_range"
	KeyVTSelection   = "vt_selection"
	KeyHostOptions   = "expand_vhosts"
	KeyTestEmptyHost = "test_empty_vhost"
	KeyReverseLookup = "reverse_lookup_only"
	KeyReverseUnify  = "reverse_lookup_unify"
	KeyAliveTest     = "ALIVE_TEST"
)

func credentialKeyPrefix(service string) string { return "auth/" + service }

// ParamWhitelist is the daemon-scoped registry of scan-wide parameters a
// request is allowed to set, replacing the spec's OSPD_PARAMS global
// (REDESIGN FLAG in SPEC_FULL.md §9). Built once at startup from the
// engine's own settings and threaded explicitly into every Builder.
type ParamWhitelist struct {
	params map[string]ParamInfo
}

// ParamInfo describes one scanner-wide parameter, mirroring the teacher's
// config.Config self-describing default/override pattern.
type ParamInfo struct {
	Name        string
	Type        string
	Default     string
	Description string
}

// NewWhitelist builds a ParamWhitelist from the given parameter set.
func NewWhitelist(params []ParamInfo) ParamWhitelist {
	m := make(map[string]ParamInfo, len(params))
	for _, p := range params {
		m[p.Name] = p
	}
	return ParamWhitelist{params: m}
}

// Params returns the whitelist's entries sorted by name, backing the
// supplemented ScannerParams accessor (SPEC_FULL.md §10).
func (w ParamWhitelist) Params() []ParamInfo {
	out := make([]ParamInfo, 0, len(w.params))
	for _, p := range w.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w ParamWhitelist) allows(name string) bool {
	_, ok := w.params[name]
	return ok
}

// Builder emits engine preferences for one scan into a main KB handle.
type Builder struct {
	kv        kvstore.Handle
	catalog   *vtcatalog.Catalog
	whitelist ParamWhitelist
}

// NewBuilder constructs a Builder bound to kb (the scan's main KB handle),
// the VT catalog used to resolve VT selections, and the daemon's
// parameter whitelist.
func NewBuilder(kb kvstore.Handle, catalog *vtcatalog.Catalog, whitelist ParamWhitelist) *Builder {
	return &Builder{kv: kb, catalog: catalog, whitelist: whitelist}
}

// Build runs the ten ordered steps and returns the freshly generated
// engine_scan_id, or the first mandatory-step failure.
func (b *Builder) Build(ctx context.Context, scanID string, req scan.Request) (string, error) {
	engineScanID, err := b.genEngineScanID(ctx, scanID)
	if err != nil {
		return "", err
	}
	if err := b.writeTargets(ctx, req.Targets); err != nil {
		return "", err
	}
	if err := b.writePorts(ctx, req.Ports); err != nil {
		return "", err
	}
	if err := b.writeCredentials(ctx, req.Credentials); err != nil {
		return "", err
	}
	if err := b.resolveVTSelection(ctx, req.VTSelections); err != nil {
		return "", err
	}
	if err := b.writeMainKBIndex(ctx); err != nil {
		return "", err
	}
	if err := b.writeHostOptions(ctx, req.HostOptions); err != nil {
		return "", err
	}
	if err := b.copyWhitelistedParams(ctx, req.ScanParams); err != nil {
		return "", err
	}
	if err := b.writeReverseLookup(ctx, req.ReverseLookup); err != nil {
		return "", err
	}
	if err := b.writeAliveTest(ctx, req.AliveTest); err != nil {
		return "", err
	}
	return engineScanID, nil
}

// genEngineScanID generates a fresh engine_scan_id and binds it to scanID.
// A fresh random id, not the daemon's own persistent deployment.UUID: this
// identifies one scan's engine-facing run, not the daemon instance.
func (b *Builder) genEngineScanID(ctx context.Context, scanID string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate engine scan id: %w: %v", scanerr.ErrInternal, err)
	}
	engineScanID := id.String()
	if err := b.kv.Set(ctx, KeyEngineScanID, engineScanID); err != nil {
		return "", err
	}
	if err := b.kv.Set(ctx, "internal/ospd_scan_id", scanID); err != nil {
		return "", err
	}
	return engineScanID, nil
}

func (b *Builder) writeTargets(ctx context.Context, targets []string) error {
	return b.kv.Set(ctx, KeyTargets, strings.Join(targets, ","))
}

func (b *Builder) writePorts(ctx context.Context, ports string) error {
	if strings.TrimSpace(ports) == "" {
		return fmt.Errorf("No port list defined.: %w", scanerr.ErrConfigError)
	}
	return b.kv.Set(ctx, KeyPorts, ports)
}

// writeCredentials translates each credential into a per-service
// preference row. Syntactic rejection (missing username, or neither a
// password nor a private key) surfaces "Malformed credential.".
func (b *Builder) writeCredentials(ctx context.Context, creds []scan.Credential) error {
	for _, c := range creds {
		if c.Service == "" || c.Username == "" || (c.Password == "" && c.PrivateKey == "") {
			return fmt.Errorf("Malformed credential.: %w", scanerr.ErrConfigError)
		}
		row := fmt.Sprintf("%s|%d|%s|%s", c.Username, c.Port, c.Password, c.PrivateKey)
		if err := b.kv.Set(ctx, credentialKeyPrefix(c.Service), row); err != nil {
			return err
		}
	}
	return nil
}

// resolveVTSelection writes the oid + per-VT parameter override list.
// Fails with "No VTS to run." on an empty selection.
func (b *Builder) resolveVTSelection(ctx context.Context, sels []scan.VTSelection) error {
	if len(sels) == 0 {
		return fmt.Errorf("No VTS to run.: %w", scanerr.ErrConfigError)
	}
	oids := make([]string, 0, len(sels))
	for _, s := range sels {
		oids = append(oids, s.OID)
		for k, v := range s.Params {
			if err := b.kv.Set(ctx, "vt_param/"+s.OID+"/"+k, v); err != nil {
				return err
			}
		}
	}
	return b.kv.Set(ctx, KeyVTSelection, strings.Join(oids, ";"))
}

// writeMainKBIndex records the main KB's own index so the engine can
// advertise sub-DBs under it.
func (b *Builder) writeMainKBIndex(ctx context.Context) error {
	return b.kv.Set(ctx, KeyMainKBIndex, strconv.Itoa(b.kv.Index()))
}

func (b *Builder) writeHostOptions(ctx context.Context, opts scan.HostOptions) error {
	if err := b.kv.Set(ctx, KeyHostOptions, strings.Join(opts.VHosts, ",")); err != nil {
		return err
	}
	return b.kv.Set(ctx, KeyTestEmptyHost, boolStr(opts.TestEmptyVHost))
}

// copyWhitelistedParams copies each allowed scan-wide parameter from the
// request; parameters not in the published whitelist are dropped silently.
func (b *Builder) copyWhitelistedParams(ctx context.Context, params map[string]string) error {
	for name, value := range params {
		if !b.whitelist.allows(name) {
			continue
		}
		if err := b.kv.Set(ctx, "scanner_param/"+name, value); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) writeReverseLookup(ctx context.Context, policy scan.ReverseLookupPolicy) error {
	if err := b.kv.Set(ctx, KeyReverseLookup, boolStr(policy.Only)); err != nil {
		return err
	}
	return b.kv.Set(ctx, KeyReverseUnify, boolStr(policy.Unify))
}

func (b *Builder) writeAliveTest(ctx context.Context, at scan.AliveTest) error {
	return b.kv.Set(ctx, KeyAliveTest, strconv.Itoa(at.Bitmask()))
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
