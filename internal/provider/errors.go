package provider

import (
	"errors"
	"fmt"
)

// ErrorKind - дискриминант ошибок upstream провайдера.
//
// Классификация выполняется на границе адаптера (по HTTP статусу и
// vendor-specific полям ответа), чтобы цепочка fallback ветвилась по
// типизированному признаку, а не по подстрокам сообщений.
type ErrorKind int

const (
	// KindRateLimited - провайдер сообщил об исчерпании лимита/квоты ключа.
	// Ключ, которым делался запрос, помечается упавшим.
	KindRateLimited ErrorKind = iota + 1

	// KindNetworkFailure - сетевая ошибка, таймаут или 5xx. Временная,
	// попытку можно повторить.
	KindNetworkFailure

	// KindMalformedResponse - ответ получен, но не разбирается или
	// не содержит ожидаемых полей. Повторять бессмысленно.
	KindMalformedResponse
)

// String возвращает метку вида ошибки для логов и метрик
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetworkFailure:
		return "network"
	case KindMalformedResponse:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error - типизированная ошибка адаптера провайдера
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable сообщает retry-механизму, имеет ли смысл повтор той же попытки.
// Rate limit и кривой ответ не лечатся повтором - следующий ключ/провайдер.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetworkFailure
}

// RateLimited создает ошибку исчерпания лимита
func RateLimited(provider string, err error) error {
	return &Error{Kind: KindRateLimited, Provider: provider, Err: err}
}

// NetworkFailure создает сетевую ошибку
func NetworkFailure(provider string, err error) error {
	return &Error{Kind: KindNetworkFailure, Provider: provider, Err: err}
}

// MalformedResponse создает ошибку неразбираемого ответа
func MalformedResponse(provider string, err error) error {
	return &Error{Kind: KindMalformedResponse, Provider: provider, Err: err}
}

// KindOf возвращает вид ошибки, или 0 если ошибка не от адаптера
func KindOf(err error) ErrorKind {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	return 0
}

// IsRateLimited проверяет, является ли ошибка исчерпанием лимита
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}
