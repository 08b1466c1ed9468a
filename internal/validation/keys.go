// Package validation содержит функции нормализации и проверки входных данных.
package validation

import "strings"

// MaxKeyLength ограничивает длину одного ключа.
const MaxKeyLength = 256

// NormalizeKeys обрезает пробельные символы и отбрасывает пустые строки.
// Порядок и повторы сохраняются: дубликаты считает хранилище.
func NormalizeKeys(candidates []string) []string {
	res := make([]string, 0, len(candidates))
	for _, c := range candidates {
		k := strings.TrimSpace(c)
		if k == "" {
			continue
		}
		res = append(res, k)
	}
	return res
}

// SplitKeys разбивает текст (один ключ на строку) и нормализует результат.
func SplitKeys(text string) []string {
	return NormalizeKeys(strings.Split(text, "\n"))
}

// IsValidKey проверяет, что ключ не пуст, не слишком длинный и не содержит
// управляющих символов.
func IsValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
