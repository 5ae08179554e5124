package validation

// NormalizeTaxID strips punctuation from a CNPJ/CPF, keeping digits only.
func NormalizeTaxID(s string) string {
	out := make([]byte, 0, 14)
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// IsValidTaxID reports whether s is a valid CNPJ (14 digits) or CPF (11 digits).
// Punctuation is ignored.
func IsValidTaxID(s string) bool {
	d := NormalizeTaxID(s)
	switch len(d) {
	case 14:
		return isValidCNPJ(d)
	case 11:
		return isValidCPF(d)
	}
	return false
}

// IsCNPJ reports whether s normalises to a valid company tax id.
func IsCNPJ(s string) bool {
	d := NormalizeTaxID(s)
	return len(d) == 14 && isValidCNPJ(d)
}

func isValidCNPJ(d string) bool {
	if repeated(d) {
		return false
	}
	w1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	w2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return cnpjDigit(d[:12], w1) == int(d[12]-'0') &&
		cnpjDigit(d[:13], w2) == int(d[13]-'0')
}

func cnpjDigit(d string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += int(d[i]-'0') * w
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

func isValidCPF(d string) bool {
	if repeated(d) {
		return false
	}
	return cpfDigit(d[:9]) == int(d[9]-'0') && cpfDigit(d[:10]) == int(d[10]-'0')
}

func cpfDigit(d string) int {
	sum := 0
	weight := len(d) + 1
	for i := 0; i < len(d); i++ {
		sum += int(d[i]-'0') * (weight - i)
	}
	r := (sum * 10) % 11
	if r == 10 {
		return 0
	}
	return r
}

func repeated(d string) bool {
	for i := 1; i < len(d); i++ {
		if d[i] != d[0] {
			return false
		}
	}
	return true
}
