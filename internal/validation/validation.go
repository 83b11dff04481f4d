// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/mail"
	"path"
	"strings"
	"unicode"
)

// NormalizePhone приводит телефон клиента к виду +7XXXXXXXXXX.
// Допускаются пробелы, скобки и дефисы; номер из 11 цифр может начинаться с 8.
func NormalizePhone(phone string) (string, bool) {
	var digits strings.Builder
	for i, ch := range strings.TrimSpace(phone) {
		switch {
		case unicode.IsDigit(ch):
			digits.WriteRune(ch)
		case ch == '+' && i == 0:
		case ch == ' ' || ch == '-' || ch == '(' || ch == ')':
		default:
			return "", false
		}
	}

	d := digits.String()
	switch {
	case len(d) == 11 && (d[0] == '7' || d[0] == '8'):
		return "+7" + d[1:], true
	case len(d) == 10 && d[0] == '9':
		return "+7" + d, true
	case len(d) >= 11 && len(d) <= 15:
		return "+" + d, true
	}
	return "", false
}

// IsValidEmail проверяет адрес почты без отображаемого имени.
func IsValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

var photoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
}

// IsValidPhotoPath проверяет относительный путь к фото в файловом хранилище.
func IsValidPhotoPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if path.Clean(p) != p {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return photoExtensions[strings.ToLower(path.Ext(p))]
}
