// Package wechat предоставляет клиент платёжного провайдера WeChat Pay APIv3
// и криптографические операции для его протокола.
package wechat

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAuthentication возвращается, если зашифрованные данные уведомления не
// проходят проверку подлинности. Такая ошибка не подлежит повтору и может
// указывать на подмену данных.
var ErrAuthentication = errors.New("notification authentication failed")

const apiV3KeyLen = 32

// Verifier выполняет расшифровку входящих уведомлений провайдера и подпись
// исходящих запросов. Ключи передаются явно при создании, глобального
// состояния нет.
type Verifier struct {
	apiV3Key   []byte
	privateKey *rsa.PrivateKey
}

// NewVerifier создаёт Verifier с симметричным ключом APIv3 и приватным
// ключом мерчанта в PEM-формате.
func NewVerifier(apiV3Key string, privateKeyPEM []byte) (*Verifier, error) {
	if len(apiV3Key) != apiV3KeyLen {
		return nil, fmt.Errorf("api v3 key must be %d bytes, got %d", apiV3KeyLen, len(apiV3Key))
	}

	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	return &Verifier{
		apiV3Key:   []byte(apiV3Key),
		privateKey: key,
	}, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key: not an RSA key")
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return key, nil
}

// DecryptResource расшифровывает ресурс уведомления (AEAD_AES_256_GCM).
// Ciphertext передаётся в base64 и содержит 16-байтовый тег аутентификации
// в конце. При любом нарушении целостности возвращается ErrAuthentication.
func (v *Verifier) DecryptResource(ciphertextB64, nonce, associatedData string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not valid base64", ErrAuthentication)
	}

	block, err := aes.NewCipher(v.apiV3Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrAuthentication, len(nonce))
	}

	plaintext, err := gcm.Open(nil, []byte(nonce), ciphertext, []byte(associatedData))
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// Sign подписывает строку приватным ключом мерчанта (SHA256, RSA-PSS)
// и возвращает подпись в base64. Подпись вероятностная: два вызова для
// одного сообщения дают разные байты.
func (v *Verifier) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPSS(rand.Reader, v.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// canonicalRequest собирает каноническую строку для подписи запроса.
// Формат побайтово фиксирован протоколом провайдера: перечисленные поля,
// разделённые '\n', с завершающим '\n'. Любое отклонение приводит к
// невнятной ошибке авторизации на стороне провайдера.
func canonicalRequest(method, urlPath string, timestamp int64, nonce, body string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(urlPath)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	return b.String()
}
