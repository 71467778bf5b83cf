package uds

import (
	"bytes"
	"context"
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// KeyProvider derives the security access key for a seed. level is
// the odd request-seed level the seed was obtained with.
type KeyProvider interface {
	ComputeKey(level byte, seed []byte) ([]byte, error)
}

// KeyFunc adapts a plain function to KeyProvider.
type KeyFunc func(level byte, seed []byte) ([]byte, error)

func (f KeyFunc) ComputeKey(level byte, seed []byte) ([]byte, error) { return f(level, seed) }

// CMACKeyProvider derives keys as the AES-CMAC of the seed under a
// shared secret. The secret must be a valid AES key length.
type CMACKeyProvider struct {
	Secret []byte
}

func (p CMACKeyProvider) ComputeKey(_ byte, seed []byte) ([]byte, error) {
	cm, err := cmac.New(aes.NewCipher, p.Secret)
	if err != nil {
		return nil, fmt.Errorf("cmac init: %w", err)
	}
	if _, err := cm.Write(seed); err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	return cm.Sum(nil), nil
}

// RequestSeed asks for the seed of a security level. level must be
// odd. An all-zero seed means the level is already unlocked; it is
// returned as-is for the caller to notice.
func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	if level%2 == 0 {
		return nil, fmt.Errorf("%w: request seed level 0x%02X must be odd", ErrConfig, level)
	}
	resp, err := c.execute(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != level {
		return nil, fmt.Errorf("%w: seed level echo % X, want 0x%02X", ErrResponseFormat, resp[1:], level)
	}
	return resp[2:], nil
}

// SendKey submits the computed key for a security level; its
// sub-function is the request-seed level plus one.
func (c *Client) SendKey(ctx context.Context, level byte, key []byte) error {
	if level%2 == 0 {
		return fmt.Errorf("%w: send key level 0x%02X must be odd", ErrConfig, level)
	}
	req := append([]byte{SIDSecurityAccess, level + 1}, key...)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != level+1 {
		return fmt.Errorf("%w: key level echo % X, want 0x%02X", ErrResponseFormat, resp[1:], level+1)
	}
	return nil
}

// Unlock runs the full seed/key exchange for a security level. When
// the server answers with an all-zero seed the level is already open
// and no key is sent.
func (c *Client) Unlock(ctx context.Context, level byte, kp KeyProvider) error {
	if kp == nil {
		return fmt.Errorf("%w: nil key provider", ErrConfig)
	}
	seed, err := c.RequestSeed(ctx, level)
	if err != nil {
		return err
	}
	if len(seed) == 0 {
		return fmt.Errorf("%w: empty seed", ErrResponseFormat)
	}
	if bytes.Count(seed, []byte{0x00}) == len(seed) {
		c.logger.Debug("security_level_open", "level", fmt.Sprintf("0x%02X", level))
		return nil
	}
	key, err := kp.ComputeKey(level, seed)
	if err != nil {
		return fmt.Errorf("compute key: %w", err)
	}
	return c.SendKey(ctx, level, key)
}
