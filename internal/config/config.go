package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ClientBlock is one parsed "Client <name> { ... }" block.
type ClientBlock struct {
	Name   string
	Line   int
	Type   string // "udp" or "tls"
	Secret string
	TLS    string
}

// ServerBlock is one parsed "Server <name> { ... }" block.
type ServerBlock struct {
	Name         string
	Line         int
	Type         string
	Secret       string
	TLS          string
	Port         int
	StatusServer bool
}

// RealmBlock is one parsed "Realm <pattern> { ... }" block.
type RealmBlock struct {
	Pattern      string
	Line         int
	Server       string
	ReplyMessage string
}

// TLSBlock is one parsed "TLS <name> { ... }" block.
type TLSBlock struct {
	Name               string
	Line               int
	CACertificateFile  string
	CACertificatePath  string
	CertificateFile    string
	CertificateKeyFile string
	CertificateKeyPass string
}

// File is the fully parsed configuration.
type File struct {
	ListenUDP      string
	ListenTCP      string
	LogLevel       int
	LogDestination string

	Clients []ClientBlock
	Servers []ServerBlock
	Realms  []RealmBlock
	TLS     []TLSBlock
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %q", path)
	}
	return Parse(string(data))
}

// DefaultPaths returns the configuration search order:
// /etc/radsecproxy.conf, falling back to radsecproxy.conf in the
// working directory.
func DefaultPaths() []string {
	return []string{"/etc/radsecproxy.conf", "radsecproxy.conf"}
}

type parser struct {
	lex   *lexer
	toks  []token
	pos   int
}

// Parse parses src into a File.
func Parse(src string) (*File, error) {
	lex := newLexer(src)
	var toks []token
	for {
		tok, err := lex.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			break
		}
	}
	p := &parser{lex: lex, toks: toks}
	return p.parseFile()
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) atEOF() bool { return p.cur().kind == tokEOF }

func (p *parser) take() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expectWord(context string) (token, error) {
	t := p.cur()
	if t.kind != tokWord {
		return t, fmt.Errorf("config: line %d: expected a value for %s", t.line, context)
	}
	return p.take(), nil
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.cur()
	if t.kind != kind {
		return t, fmt.Errorf("config: line %d: expected %s", t.line, what)
	}
	return p.take(), nil
}

func (p *parser) parseFile() (*File, error) {
	f := &File{}
	for !p.atEOF() {
		kw, err := p.expectWord("top-level directive")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(kw.text) {
		case "listenudp":
			v, err := p.expectWord("ListenUDP")
			if err != nil {
				return nil, err
			}
			f.ListenUDP = v.text
		case "listentcp":
			v, err := p.expectWord("ListenTCP")
			if err != nil {
				return nil, err
			}
			f.ListenTCP = v.text
		case "loglevel":
			v, err := p.expectWord("LogLevel")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v.text)
			if err != nil || n < 1 || n > 4 {
				return nil, fmt.Errorf("config: line %d: LogLevel must be 1-4", v.line)
			}
			f.LogLevel = n
		case "logdestination":
			v, err := p.expectWord("LogDestination")
			if err != nil {
				return nil, err
			}
			f.LogDestination = v.text
		case "client":
			cb, err := p.parseClient(kw.line)
			if err != nil {
				return nil, err
			}
			f.Clients = append(f.Clients, cb)
		case "server":
			sb, err := p.parseServer(kw.line)
			if err != nil {
				return nil, err
			}
			f.Servers = append(f.Servers, sb)
		case "realm":
			rb, err := p.parseRealm(kw.line)
			if err != nil {
				return nil, err
			}
			f.Realms = append(f.Realms, rb)
		case "tls":
			tb, err := p.parseTLS(kw.line)
			if err != nil {
				return nil, err
			}
			f.TLS = append(f.TLS, tb)
		default:
			return nil, fmt.Errorf("config: line %d: unrecognized directive %q", kw.line, kw.text)
		}
	}
	return f, nil
}

// blockOptions reads "name { key value ... }" and returns the option
// map in lowercased-key form, alongside the block's declared name.
func (p *parser) blockOptions(kind string) (name string, opts map[string]string, err error) {
	nameTok, err := p.expectWord(kind + " name")
	if err != nil {
		return "", nil, err
	}
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return "", nil, err
	}
	opts = make(map[string]string)
	for p.cur().kind != tokRBrace {
		if p.atEOF() {
			return "", nil, fmt.Errorf("config: line %d: unterminated %s block", nameTok.line, kind)
		}
		key, err := p.expectWord(kind + " option")
		if err != nil {
			return "", nil, err
		}
		val, err := p.expectWord(kind + " option value")
		if err != nil {
			return "", nil, err
		}
		opts[strings.ToLower(key.text)] = val.text
	}
	p.take() // consume '}'
	return nameTok.text, opts, nil
}

func (p *parser) parseClient(line int) (ClientBlock, error) {
	name, opts, err := p.blockOptions("Client")
	if err != nil {
		return ClientBlock{}, err
	}
	return ClientBlock{
		Name:   name,
		Line:   line,
		Type:   strings.ToLower(opts["type"]),
		Secret: opts["secret"],
		TLS:    opts["tls"],
	}, nil
}

func (p *parser) parseServer(line int) (ServerBlock, error) {
	name, opts, err := p.blockOptions("Server")
	if err != nil {
		return ServerBlock{}, err
	}
	sb := ServerBlock{
		Name:   name,
		Line:   line,
		Type:   strings.ToLower(opts["type"]),
		Secret: opts["secret"],
		TLS:    opts["tls"],
	}
	if v, ok := opts["port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ServerBlock{}, fmt.Errorf("config: line %d: invalid port %q", line, v)
		}
		sb.Port = n
	}
	sb.StatusServer = strings.EqualFold(opts["statusserver"], "on")
	return sb, nil
}

func (p *parser) parseRealm(line int) (RealmBlock, error) {
	name, opts, err := p.blockOptions("Realm")
	if err != nil {
		return RealmBlock{}, err
	}
	return RealmBlock{
		Pattern:      name,
		Line:         line,
		Server:       opts["server"],
		ReplyMessage: opts["replymessage"],
	}, nil
}

func (p *parser) parseTLS(line int) (TLSBlock, error) {
	name, opts, err := p.blockOptions("TLS")
	if err != nil {
		return TLSBlock{}, err
	}
	return TLSBlock{
		Name:               name,
		Line:               line,
		CACertificateFile:  opts["cacertificatefile"],
		CACertificatePath:  opts["cacertificatepath"],
		CertificateFile:    opts["certificatefile"],
		CertificateKeyFile: opts["certificatekeyfile"],
		CertificateKeyPass: opts["certificatekeypassword"],
	}, nil
}
