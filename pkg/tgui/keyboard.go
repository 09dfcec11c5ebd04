package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Btn is one inline button: either a URL button or a callback-data button.
type Btn struct {
	Text string
	URL  string
	Data string
}

// URLBtn builds a link button.
func URLBtn(text, url string) Btn { return Btn{Text: text, URL: url} }

// DataBtn builds a callback button.
func DataBtn(text, data string) Btn { return Btn{Text: text, Data: data} }

// Keyboard builds a Telegram inline keyboard, one button per row.
func Keyboard(rows ...Btn) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, b := range rows {
		kb = append(kb, []tele.InlineButton{{
			Text: b.Text,
			URL:  b.URL,
			Data: b.Data,
		}})
	}
	rm.InlineKeyboard = kb
	return rm
}
