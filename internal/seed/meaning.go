package seed

import "strings"

// abbreviations expands the short forms common in legacy column names.
var abbreviations = map[string]string{
	"nm": "name", "dt": "date", "no": "number", "cd": "code",
	"desc": "description", "amt": "amount", "cnt": "count", "qty": "quantity",
	"addr": "address", "tel": "phone", "hp": "phone", "ph": "phone", "mobile": "phone",
	"pwd": "password", "passwd": "password", "pw": "password",
	"img": "image", "zip": "zipcode", "post": "zipcode",
	"msg": "message", "txt": "text", "tit": "title", "subj": "subject",
	"usr": "user", "emp": "employee", "dept": "department", "cat": "category",
	"lat": "latitude", "lng": "longitude", "lon": "longitude", "st": "street",
	"stat": "status", "sts": "status", "typ": "type", "val": "value",
	"yn": "yesno", "flg": "flag", "is": "yesno", "use": "yesno",
	"uid": "id", "pid": "id", "mail": "email",
}

// commentHints map words of a column comment to a meaning; comments win over names.
var commentHints = []struct {
	words   []string
	meaning string
}{
	{[]string{"phone", "mobile"}, "phone"},
	{[]string{"email", "mail"}, "email"},
	{[]string{"address"}, "address"},
	{[]string{"zip", "postal"}, "zipcode"},
	{[]string{"name"}, "name"},
	{[]string{"password"}, "password"},
	{[]string{"price", "cost", "amount"}, "price"},
	{[]string{"country"}, "country"},
	{[]string{"city"}, "city"},
}

// meaning guesses what a column holds from its comment, then from its name with
// abbreviations expanded ("usr_tel_no" -> "user phone number").
func meaning(name, comment string) string {
	c := strings.ToLower(comment)
	for _, h := range commentHints {
		for _, w := range h.words {
			if strings.Contains(c, w) {
				return h.meaning
			}
		}
	}

	parts := strings.Split(strings.ToLower(name), "_")
	for i, p := range parts {
		if full, ok := abbreviations[p]; ok {
			parts[i] = full
		}
	}
	return strings.Join(parts, " ")
}
