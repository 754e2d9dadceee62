package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
# top-level listen directives
ListenUDP *:1812
ListenTCP *
LogLevel 3

TLS mytls {
	CACertificateFile /etc/radsec/ca.pem
	CertificateFile /etc/radsec/cert.pem
	CertificateKeyFile /etc/radsec/key.pem
}

Client 10.0.0.1 {
	type udp
	secret "shared secret"
}

Server radius.upstream.example {
	type tls
	secret 'upsecret'
	tls mytls
	StatusServer on
	port 2083
}

Realm example.com {
	server radius.upstream.example
	ReplyMessage "no route"
}
`

func TestParseSampleConfig(t *testing.T) {
	f, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, "*:1812", f.ListenUDP)
	assert.Equal(t, "*", f.ListenTCP)
	assert.Equal(t, 3, f.LogLevel)

	require.Len(t, f.TLS, 1)
	assert.Equal(t, "mytls", f.TLS[0].Name)
	assert.Equal(t, "/etc/radsec/ca.pem", f.TLS[0].CACertificateFile)

	require.Len(t, f.Clients, 1)
	assert.Equal(t, "10.0.0.1", f.Clients[0].Name)
	assert.Equal(t, "udp", f.Clients[0].Type)
	assert.Equal(t, "shared secret", f.Clients[0].Secret)

	require.Len(t, f.Servers, 1)
	assert.Equal(t, "tls", f.Servers[0].Type)
	assert.Equal(t, "upsecret", f.Servers[0].Secret)
	assert.True(t, f.Servers[0].StatusServer)
	assert.Equal(t, 2083, f.Servers[0].Port)

	require.Len(t, f.Realms, 1)
	assert.Equal(t, "example.com", f.Realms[0].Pattern)
	assert.Equal(t, "radius.upstream.example", f.Realms[0].Server)
	assert.Equal(t, "no route", f.Realms[0].ReplyMessage)
}

func TestParseRejectsUnterminatedBlock(t *testing.T) {
	_, err := Parse("Client foo { type udp\n")
	assert.Error(t, err)
}

func TestParseRejectsUnterminatedQuote(t *testing.T) {
	_, err := Parse(`Client foo { type udp secret "oops }`)
	assert.Error(t, err)
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	_, err := Parse("Bogus foo\n")
	assert.Error(t, err)
}

func TestParseRejectsLogLevelOutOfRange(t *testing.T) {
	_, err := Parse("LogLevel 9\n")
	assert.Error(t, err)
}

func TestValidateRequiresAtLeastOneClientServerRealm(t *testing.T) {
	err := Validate(&File{})
	assert.Error(t, err)
}

func baseValidFile() *File {
	return &File{
		Clients: []ClientBlock{{Name: "nas1", Type: "udp", Secret: "s"}},
		Servers: []ServerBlock{{Name: "up1", Type: "udp", Secret: "s"}},
		Realms:  []RealmBlock{{Pattern: "*"}},
	}
}

func TestValidateAcceptsMinimalFile(t *testing.T) {
	assert.NoError(t, Validate(baseValidFile()))
}

func TestValidateRejectsTLSClientWithoutResolvedContext(t *testing.T) {
	f := baseValidFile()
	f.Clients[0].Type = "tls"
	f.Clients[0].TLS = "missing"
	assert.Error(t, Validate(f))
}

func TestValidateAcceptsTLSClientWhenContextDeclaredFirst(t *testing.T) {
	f := baseValidFile()
	f.TLS = []TLSBlock{{
		Name:               "mytls",
		CACertificateFile:  "ca.pem",
		CertificateFile:    "cert.pem",
		CertificateKeyFile: "key.pem",
	}}
	f.Clients[0].Type = "tls"
	f.Clients[0].TLS = "mytls"
	assert.NoError(t, Validate(f))
}

func TestValidateRejectsRealmReferencingUnknownServer(t *testing.T) {
	f := baseValidFile()
	f.Realms[0].Server = "nonexistent"
	assert.Error(t, Validate(f))
}

func TestValidateRejectsOverlongReplyMessage(t *testing.T) {
	f := baseValidFile()
	f.Realms[0].ReplyMessage = string(make([]byte, 254))
	assert.Error(t, Validate(f))
}

func TestValidateRejectsClientWithoutSecretForUDP(t *testing.T) {
	f := baseValidFile()
	f.Clients[0].Secret = ""
	assert.Error(t, Validate(f))
}
