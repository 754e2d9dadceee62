package config

import "fmt"

// Validate performs the structural configuration-fatal checks: missing
// required options, unknown TLS context references, TLS blocks declared
// after their referents, and zero clients/servers/realms.
// Unresolved-host failures are a separate, DNS-dependent check performed
// by the caller once it resolves each Client/Server host at startup,
// since this package has no network access.
func Validate(f *File) error {
	if len(f.Clients) == 0 {
		return fmt.Errorf("config: at least one Client block is required")
	}
	if len(f.Servers) == 0 {
		return fmt.Errorf("config: at least one Server block is required")
	}
	if len(f.Realms) == 0 {
		return fmt.Errorf("config: at least one Realm block is required")
	}

	tlsLine := make(map[string]int)
	for _, t := range f.TLS {
		if t.CertificateFile == "" {
			return fmt.Errorf("config: line %d: TLS %q requires CertificateFile", t.Line, t.Name)
		}
		if t.CertificateKeyFile == "" {
			return fmt.Errorf("config: line %d: TLS %q requires CertificateKeyFile", t.Line, t.Name)
		}
		if t.CACertificateFile == "" && t.CACertificatePath == "" {
			return fmt.Errorf("config: line %d: TLS %q requires CACertificateFile or CACertificatePath", t.Line, t.Name)
		}
		if _, dup := tlsLine[t.Name]; !dup {
			tlsLine[t.Name] = t.Line
		}
	}

	resolveTLS := func(line int, kind, name, ref string) error {
		if ref == "" {
			return nil
		}
		declared, ok := tlsLine[ref]
		if !ok {
			return fmt.Errorf("config: line %d: %s %q references unknown TLS context %q (TLS blocks must precede their referents)", line, kind, name, ref)
		}
		if declared > line {
			return fmt.Errorf("config: line %d: %s %q references TLS context %q declared later at line %d (TLS blocks must precede their referents)", line, kind, name, ref, declared)
		}
		return nil
	}

	for _, c := range f.Clients {
		if c.Type != "udp" && c.Type != "tls" {
			return fmt.Errorf("config: line %d: Client %q requires type udp or tls", c.Line, c.Name)
		}
		if c.Type == "udp" && c.Secret == "" {
			return fmt.Errorf("config: line %d: Client %q requires secret for type udp", c.Line, c.Name)
		}
		if err := resolveTLS(c.Line, "Client", c.Name, c.TLS); err != nil {
			return err
		}
	}

	serverNames := make(map[string]bool)
	for _, s := range f.Servers {
		if s.Type != "udp" && s.Type != "tls" {
			return fmt.Errorf("config: line %d: Server %q requires type udp or tls", s.Line, s.Name)
		}
		if s.Secret == "" {
			return fmt.Errorf("config: line %d: Server %q requires secret", s.Line, s.Name)
		}
		if err := resolveTLS(s.Line, "Server", s.Name, s.TLS); err != nil {
			return err
		}
		serverNames[s.Name] = true
	}

	for _, r := range f.Realms {
		if len(r.ReplyMessage) > 253 {
			return fmt.Errorf("config: line %d: Realm %q ReplyMessage exceeds 253 bytes", r.Line, r.Pattern)
		}
		if r.Server != "" && !serverNames[r.Server] {
			return fmt.Errorf("config: line %d: Realm %q references unknown Server %q", r.Line, r.Pattern, r.Server)
		}
	}

	return nil
}
