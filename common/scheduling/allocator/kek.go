package allocator

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/scusemua/vm-control-plane/common/storage"
)

const (
	KeyEncryptionAlgorithm = "aes-256-gcm"

	keySizeBytes        = 32
	initVectorSizeBytes = 12
)

// VolumeSecret is the key material a host needs to unwrap the data encryption key of one volume.
type VolumeSecret struct {
	KeyID         string
	Algorithm     string
	KeyB64        string
	InitVectorB64 string
	AuthData      string
}

// newKeyEncryptionKey mints a fresh key bound to the given volume.
func newKeyEncryptionKey(volumeId string) (*storage.StorageKeyEncryptionKey, error) {
	key := make([]byte, keySizeBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to generate key encryption key")
	}

	iv := make([]byte, initVectorSizeBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to generate initialization vector")
	}

	return &storage.StorageKeyEncryptionKey{
		ID:            uuid.NewString(),
		Algorithm:     KeyEncryptionAlgorithm,
		KeyB64:        base64.StdEncoding.EncodeToString(key),
		InitVectorB64: base64.StdEncoding.EncodeToString(iv),
		AuthData:      volumeId,
	}, nil
}

func secretOf(kek *storage.StorageKeyEncryptionKey) VolumeSecret {
	return VolumeSecret{
		KeyID:         kek.ID,
		Algorithm:     kek.Algorithm,
		KeyB64:        kek.KeyB64,
		InitVectorB64: kek.InitVectorB64,
		AuthData:      kek.AuthData,
	}
}
