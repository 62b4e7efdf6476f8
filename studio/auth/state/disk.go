package state

import (
	"context"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/peterbourgon/diskv/v3"
)

const (
	// credentialsKey is the credentials file name
	credentialsKey = "credentials"
	// cacheSizeMaxBytes max memory cache
	cacheSizeMaxBytes = 4096
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NB: racy between processes, does not use file-locking or similar
type diskState struct {
	dv *diskv.Diskv
}

// NewDiskState returns a State persisted in dir. The credentials file is readable by the owner only.
func NewDiskState(dir string) (State, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing storage directory")
	}
	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
		PathPerm:     0o700,
		FilePerm:     0o600,
	})
	return &diskState{dv: dv}, nil
}

func (d *diskState) GetCredentials(_ context.Context) (*Credentials, error) {
	if !d.dv.Has(credentialsKey) {
		return nil, trace.NotFound("no credentials stored")
	}
	payload, err := d.dv.Read(credentialsKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, trace.Wrap(err)
	} else if creds.AccessToken == "" {
		return nil, trace.NotFound("state does not contain `access_token`")
	} else if creds.RefreshToken == "" {
		return nil, trace.NotFound("state does not contain `refresh_token`")
	}
	return &creds, nil
}

func (d *diskState) PutCredentials(_ context.Context, creds *Credentials) error {
	if creds == nil {
		return trace.BadParameter("missing credentials")
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(d.dv.Write(credentialsKey, payload))
}

func (d *diskState) DeleteCredentials(_ context.Context) error {
	if !d.dv.Has(credentialsKey) {
		return nil
	}
	return trace.Wrap(d.dv.Erase(credentialsKey))
}
