// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/go-tpm/tpmutil"

	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

const (
	tagRQUCommand      tpmutil.Tag = 0x00C1
	tagRQUAuth1Command tpmutil.Tag = 0x00C2

	ordOIAP          tpmutil.Command = 0x0000000A
	ordOSAP          tpmutil.Command = 0x0000000B
	ordDSAP          tpmutil.Command = 0x00000011
	ordGetPubKey     tpmutil.Command = 0x00000021
	ordLoadKey2      tpmutil.Command = 0x00000041
	ordGetRandom     tpmutil.Command = 0x00000046
	ordStirRandom    tpmutil.Command = 0x00000047
	ordGetCapability tpmutil.Command = 0x00000065
	ordFlushSpecific tpmutil.Command = 0x000000BA

	rtKey  uint32 = 0x00000001
	rtAuth uint32 = 0x00000002

	// nonceEven, continueAuthSession, resAuth
	responseAuthSize = wire.DigestSize + 1 + wire.DigestSize
)

// TPM drives a TPM 1.2 through a character device or any transport that
// speaks the raw command protocol.
type TPM struct {
	rw      io.ReadWriteCloser
	version wire.Version
	logger  *slog.Logger
}

// NewTPM wraps an open transport. The version is read from the device.
func NewTPM(ctx context.Context, rw io.ReadWriteCloser, logger *slog.Logger) (*TPM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TPM{rw: rw, logger: logger.With("component", "tpm12")}
	raw, err := t.GetCapability(ctx, CapVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("device: read version: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("device: read version: %w", ErrShortResponse)
	}
	t.version = wire.Version{Major: raw[0], Minor: raw[1], RevMajor: raw[2], RevMinor: raw[3]}
	t.logger.Info("TPM opened",
		"version", fmt.Sprintf("%d.%d.%d.%d", raw[0], raw[1], raw[2], raw[3]))
	return t, nil
}

// OpenTPM opens the TPM character device at path.
func OpenTPM(ctx context.Context, path string, logger *slog.Logger) (*TPM, error) {
	rw, err := openTransport(path)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	t, err := NewTPM(ctx, rw, logger)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}
	return t, nil
}

func (t *TPM) run(ctx context.Context, tag tpmutil.Tag, ord tpmutil.Command, in ...interface{}) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, tss.NewError(tss.TCS(tss.ECanceled), err.Error())
	}
	resp, code, err := tpmutil.RunCommand(t.rw, tag, ord, in...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tss.NewError(tss.TCS(tss.ECommFailure), "device: transport"), err)
	}
	if code != tpmutil.RCSuccess {
		t.logger.Debug("TPM command failed", "ordinal", fmt.Sprintf("0x%x", uint32(ord)), "code", tss.Result(code))
		return nil, tss.FromDevice(uint32(code))
	}
	return resp, nil
}

// authTrailer encodes a client authorization for a request.
func authTrailer(a *wire.Auth) tpmutil.RawBytes {
	b := make([]byte, 0, 4+wire.DigestSize+1+wire.DigestSize)
	b = binary.BigEndian.AppendUint32(b, a.AuthHandle)
	b = append(b, a.NonceOdd[:]...)
	if a.ContinueSession {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return append(b, a.HMAC[:]...)
}

// splitAuth strips the response authorization from resp and applies it to a.
func splitAuth(resp []byte, a *wire.Auth) ([]byte, error) {
	if len(resp) < responseAuthSize {
		return nil, ErrShortResponse
	}
	body, trailer := resp[:len(resp)-responseAuthSize], resp[len(resp)-responseAuthSize:]
	copy(a.NonceEven[:], trailer[:wire.DigestSize])
	a.ContinueSession = trailer[wire.DigestSize] != 0
	copy(a.HMAC[:], trailer[wire.DigestSize+1:])
	return body, nil
}

func lengthPrefixed(p []byte) tpmutil.RawBytes {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(p)), uint32(len(p)))
	return append(b, p...)
}

func readLengthPrefixed(resp []byte) ([]byte, error) {
	if len(resp) < 4 {
		return nil, ErrShortResponse
	}
	n := binary.BigEndian.Uint32(resp)
	if uint64(n) > uint64(len(resp)-4) {
		return nil, ErrShortResponse
	}
	return resp[4 : 4+n], nil
}

func (t *TPM) OIAP(ctx context.Context) (Session, error) {
	resp, err := t.run(ctx, tagRQUCommand, ordOIAP)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if _, err := tpmutil.Unpack(resp, (*uint32)(&s.Handle), &s.NonceEven); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrShortResponse, err)
	}
	return s, nil
}

func (t *TPM) OSAP(ctx context.Context, entityType uint16, entityValue uint32, nonceOddOSAP wire.Nonce) (Session, error) {
	resp, err := t.run(ctx, tagRQUCommand, ordOSAP, entityType, entityValue, nonceOddOSAP)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if _, err := tpmutil.Unpack(resp, (*uint32)(&s.Handle), &s.NonceEven, &s.NonceEvenShared); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrShortResponse, err)
	}
	return s, nil
}

func (t *TPM) DSAP(ctx context.Context, entityType uint16, key Handle, nonceOddDSAP wire.Nonce, entityValue []byte) (Session, error) {
	resp, err := t.run(ctx, tagRQUCommand, ordDSAP, entityType, uint32(key), nonceOddDSAP, lengthPrefixed(entityValue))
	if err != nil {
		return Session{}, err
	}
	var s Session
	if _, err := tpmutil.Unpack(resp, (*uint32)(&s.Handle), &s.NonceEven, &s.NonceEvenShared); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrShortResponse, err)
	}
	return s, nil
}

func (t *TPM) TerminateHandle(ctx context.Context, h Handle) error {
	_, err := t.run(ctx, tagRQUCommand, ordFlushSpecific, uint32(h), rtAuth)
	return err
}

func (t *TPM) LoadKey2(ctx context.Context, parent Handle, blob []byte, auth *wire.Auth) (Handle, error) {
	var (
		resp []byte
		err  error
	)
	if auth == nil {
		resp, err = t.run(ctx, tagRQUCommand, ordLoadKey2, uint32(parent), tpmutil.RawBytes(blob))
	} else {
		resp, err = t.run(ctx, tagRQUAuth1Command, ordLoadKey2, uint32(parent), tpmutil.RawBytes(blob), authTrailer(auth))
		if err == nil {
			resp, err = splitAuth(resp, auth)
		}
	}
	if err != nil {
		return 0, err
	}
	var h uint32
	if _, err := tpmutil.Unpack(resp, &h); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrShortResponse, err)
	}
	return Handle(h), nil
}

func (t *TPM) EvictKey(ctx context.Context, h Handle) error {
	_, err := t.run(ctx, tagRQUCommand, ordFlushSpecific, uint32(h), rtKey)
	return err
}

func (t *TPM) GetPubKey(ctx context.Context, h Handle, auth *wire.Auth) ([]byte, error) {
	var (
		resp []byte
		err  error
	)
	if auth == nil {
		resp, err = t.run(ctx, tagRQUCommand, ordGetPubKey, uint32(h))
	} else {
		resp, err = t.run(ctx, tagRQUAuth1Command, ordGetPubKey, uint32(h), authTrailer(auth))
		if err == nil {
			resp, err = splitAuth(resp, auth)
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp...), nil
}

func (t *TPM) GetRandom(ctx context.Context, n uint32) ([]byte, error) {
	resp, err := t.run(ctx, tagRQUCommand, ordGetRandom, n)
	if err != nil {
		return nil, err
	}
	out, err := readLengthPrefixed(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

func (t *TPM) StirRandom(ctx context.Context, data []byte) error {
	_, err := t.run(ctx, tagRQUCommand, ordStirRandom, lengthPrefixed(data))
	return err
}

func (t *TPM) GetCapability(ctx context.Context, area uint32, sub []byte) ([]byte, error) {
	resp, err := t.run(ctx, tagRQUCommand, ordGetCapability, area, lengthPrefixed(sub))
	if err != nil {
		return nil, err
	}
	out, err := readLengthPrefixed(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

func (t *TPM) Version() wire.Version {
	return t.version
}

func (t *TPM) Close() error {
	return t.rw.Close()
}
