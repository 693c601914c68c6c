package keyboard

// US is the name of the default layout.
const US = "us"

//nolint:funlen
func initUS() {
	keys := map[Key]Definition{
		"Backspace":  {KeyCode: 8, Code: "Backspace", Key: "Backspace"},
		"Tab":        {KeyCode: 9, Code: "Tab", Key: "Tab"},
		"Enter":      {KeyCode: 13, Code: "Enter", Key: "Enter", Text: "\r"},
		"Escape":     {KeyCode: 27, Code: "Escape", Key: "Escape"},
		"Space":      {KeyCode: 32, Code: "Space", Key: " "},
		"PageUp":     {KeyCode: 33, Code: "PageUp", Key: "PageUp"},
		"PageDown":   {KeyCode: 34, Code: "PageDown", Key: "PageDown"},
		"End":        {KeyCode: 35, Code: "End", Key: "End"},
		"Home":       {KeyCode: 36, Code: "Home", Key: "Home"},
		"ArrowLeft":  {KeyCode: 37, Code: "ArrowLeft", Key: "ArrowLeft"},
		"ArrowUp":    {KeyCode: 38, Code: "ArrowUp", Key: "ArrowUp"},
		"ArrowRight": {KeyCode: 39, Code: "ArrowRight", Key: "ArrowRight"},
		"ArrowDown":  {KeyCode: 40, Code: "ArrowDown", Key: "ArrowDown"},
		"Delete":     {KeyCode: 46, Code: "Delete", Key: "Delete"},

		"ShiftLeft":    {KeyCode: 16, Code: "ShiftLeft", Key: "Shift", Location: 1},
		"ShiftRight":   {KeyCode: 16, Code: "ShiftRight", Key: "Shift", Location: 2},
		"ControlLeft":  {KeyCode: 17, Code: "ControlLeft", Key: "Control", Location: 1},
		"ControlRight": {KeyCode: 17, Code: "ControlRight", Key: "Control", Location: 2},
		"AltLeft":      {KeyCode: 18, Code: "AltLeft", Key: "Alt", Location: 1},
		"AltRight":     {KeyCode: 18, Code: "AltRight", Key: "Alt", Location: 2},
		"MetaLeft":     {KeyCode: 91, Code: "MetaLeft", Key: "Meta", Location: 1},
		"MetaRight":    {KeyCode: 92, Code: "MetaRight", Key: "Meta", Location: 2},

		"Minus":        {KeyCode: 189, Code: "Minus", Key: "-", ShiftKey: "_"},
		"Equal":        {KeyCode: 187, Code: "Equal", Key: "=", ShiftKey: "+"},
		"BracketLeft":  {KeyCode: 219, Code: "BracketLeft", Key: "[", ShiftKey: "{"},
		"BracketRight": {KeyCode: 221, Code: "BracketRight", Key: "]", ShiftKey: "}"},
		"Backslash":    {KeyCode: 220, Code: "Backslash", Key: "\\", ShiftKey: "|"},
		"Semicolon":    {KeyCode: 186, Code: "Semicolon", Key: ";", ShiftKey: ":"},
		"Quote":        {KeyCode: 222, Code: "Quote", Key: "'", ShiftKey: "\""},
		"Backquote":    {KeyCode: 192, Code: "Backquote", Key: "`", ShiftKey: "~"},
		"Comma":        {KeyCode: 188, Code: "Comma", Key: ",", ShiftKey: "<"},
		"Period":       {KeyCode: 190, Code: "Period", Key: ".", ShiftKey: ">"},
		"Slash":        {KeyCode: 191, Code: "Slash", Key: "/", ShiftKey: "?"},
	}

	for c := 'a'; c <= 'z'; c++ {
		upper := c - 'a' + 'A'
		code := Key("Key" + string(upper))
		keys[code] = Definition{
			KeyCode:  int64(upper),
			Code:     string(code),
			Key:      string(c),
			ShiftKey: string(upper),
		}
	}

	const shiftedDigits = ")!@#$%^&*("
	for i := 0; i <= 9; i++ {
		d := rune('0' + i)
		code := Key("Digit" + string(d))
		keys[code] = Definition{
			KeyCode:  int64(d),
			Code:     string(code),
			Key:      string(d),
			ShiftKey: string(shiftedDigits[i]),
		}
	}

	// bare modifier names resolve to the left hand keys
	for _, m := range []string{"Shift", "Control", "Alt", "Meta"} {
		keys[Key(m)] = keys[Key(m+"Left")]
	}

	register(US, keys)
}
