package codec

// classify derives the message kind from field presence alone.
func classify(obj map[string]any) envelopeKind {
	_, hasMethod := obj["method"]
	_, hasID := obj["id"]
	_, hasResult := obj["result"]
	_, hasError := obj["error"]

	switch {
	case hasMethod && (hasResult || hasError):
		return ""
	case hasMethod && hasID:
		return envRequest
	case hasMethod:
		return envNotification
	case hasResult && hasError:
		return ""
	case hasResult && hasID:
		return envResponse
	case hasError && hasID:
		return envError
	default:
		return ""
	}
}

// IsRequest reports whether msg has both a method and an id.
func IsRequest(msg map[string]any) bool { return classify(msg) == envRequest }

// IsNotification reports whether msg has a method and no id.
func IsNotification(msg map[string]any) bool { return classify(msg) == envNotification }

// IsResponse reports whether msg carries a result and an id.
func IsResponse(msg map[string]any) bool { return classify(msg) == envResponse }

// IsError reports whether msg carries an error and an id.
func IsError(msg map[string]any) bool { return classify(msg) == envError }
