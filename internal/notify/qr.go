package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"ms-booking/internal/models"

	"github.com/skip2/go-qrcode"
)

// Pass is the boarding payload encoded into an order's QR code.
type Pass struct {
	OrderID    string    `json:"order_id"`
	ScheduleID string    `json:"schedule_id"`
	Tickets    int       `json:"tickets"`
	IssuedAt   time.Time `json:"issued_at"`
}

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// GenerateOrderQR returns a PNG whose content is the AES-encrypted pass.
func (q *QRGenerator) GenerateOrderQR(order *models.Order, issuedAt time.Time) ([]byte, error) {
	tickets := 0
	for _, it := range order.Items {
		tickets += it.Quantity
	}

	data, err := json.Marshal(Pass{
		OrderID:    order.ID,
		ScheduleID: order.ScheduleID,
		Tickets:    tickets,
		IssuedAt:   issuedAt.UTC(),
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, q.secret)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
