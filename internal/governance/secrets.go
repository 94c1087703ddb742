package governance

import (
	"github.com/mcpbroker/mcpbroker-go/internal/contracts"
	"github.com/mcpbroker/mcpbroker-go/internal/crypto"
)

// sealSecrets replaces the secret fields of configs and tokens with
// their master-key ciphertexts, in place. Any OAuth dataset governance
// writes to disk must pass through here first, unless the whole payload
// is wrapped in a passphrase-encrypted blob.
func sealSecrets(box *crypto.Box, configs []*contracts.OAuthConfig, tokens []*contracts.OAuthToken) error {
	var err error
	for _, cfg := range configs {
		if cfg.ClientSecret, err = box.Encrypt(cfg.ClientSecret); err != nil {
			return err
		}
		if cfg.RegistrationAccessToken, err = box.Encrypt(cfg.RegistrationAccessToken); err != nil {
			return err
		}
	}
	for _, tok := range tokens {
		if tok.AccessToken, err = box.Encrypt(tok.AccessToken); err != nil {
			return err
		}
		if tok.RefreshToken, err = box.Encrypt(tok.RefreshToken); err != nil {
			return err
		}
		if tok.IDToken, err = box.Encrypt(tok.IDToken); err != nil {
			return err
		}
	}
	return nil
}

// openSecrets undoes sealSecrets. It fails if the data was sealed under
// a key that has since been rotated away.
func openSecrets(box *crypto.Box, configs []*contracts.OAuthConfig, tokens []*contracts.OAuthToken) error {
	var err error
	for _, cfg := range configs {
		if cfg.ClientSecret, err = box.Decrypt(cfg.ClientSecret); err != nil {
			return err
		}
		if cfg.RegistrationAccessToken, err = box.Decrypt(cfg.RegistrationAccessToken); err != nil {
			return err
		}
	}
	for _, tok := range tokens {
		if tok.AccessToken, err = box.Decrypt(tok.AccessToken); err != nil {
			return err
		}
		if tok.RefreshToken, err = box.Decrypt(tok.RefreshToken); err != nil {
			return err
		}
		if tok.IDToken, err = box.Decrypt(tok.IDToken); err != nil {
			return err
		}
	}
	return nil
}
