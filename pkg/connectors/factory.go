package connectors

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// Factory builds live connectors from persisted connections. The variant
// set is closed; an unknown type is an input error, not an extension point.
type Factory struct {
	// Fs backs OAuth token files. Defaults to the OS filesystem.
	Fs afero.Fs

	// OAuth maps connector types to their OAuth client configuration.
	OAuth map[string]*oauth2.Config

	Logger hclog.Logger
}

// New builds the connector for one connection.
func (f *Factory) New(ctx context.Context, conn *Connection) (Connector, error) {
	fs := f.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	switch conn.Type {
	case TypeGoogleDrive:
		tokens := NewTokenStore(fs, conn.Config["token_file"], f.OAuth[TypeGoogleDrive])
		return NewGoogleDrive(ctx, conn, tokens, f.Logger)
	case TypeOneDrive:
		tokens := NewTokenStore(fs, conn.Config["token_file"], f.OAuth[TypeOneDrive])
		return NewOneDrive(conn, tokens, f.Logger)
	case TypeSharePoint:
		tokens := NewTokenStore(fs, conn.Config["token_file"], f.OAuth[TypeSharePoint])
		return NewSharePoint(conn, tokens, f.Logger)
	case TypeS3:
		return NewS3(ctx, conn, f.Logger)
	default:
		return nil, quarryerr.Newf(quarryerr.KindInvalidInput, "unknown connector type %q", conn.Type)
	}
}
