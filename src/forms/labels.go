// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package forms

const defaultPassportType = "Ordinary Passport"

var passportTypes = map[string]string{
	"ordinary":   "Ordinary Passport",
	"collective": "Collective Passport",
	"diplomatic": "Diplomatic Passport",
	"apatridas":  "D. Viaje Apatridas C. New York",
	"government": "Government official on duty",
	"national":   "National laissez-passer",
	"official":   "Official Passport",
	"foreigners": "Passport of foreigners",
	"protection": "Protection passport",
	"refugee":    "Refugee Travel Document (Geneva Convention)",
	"seaman":     "Seaman book",
	"un":         "UN laissez-passer",
}

var locations = map[string]string{
	"rabat":   "Rabat",
	"casa":    "Casablanca",
	"tangier": "Tangier",
	"tetouan": "Tetouan",
	"nador":   "Nador",
	"agadir":  "Agadir",
}

var visaTypes = map[string]string{
	"sch":   "Schengen Visa",
	"std":   "Étudiant",
	"famr":  "Regroupement familial",
	"nat":   "National Visa",
	"work":  "Travail",
	"casa1": "Casa 1",
	"casa2": "Casa 2",
	"casa3": "Casa 3",
}

// Sub-types share the visa type vocabulary.
var visaSubTypes = visaTypes

var categories = map[string]string{
	"normal":     "Normal",
	"premium":    "Premium",
	"prime_time": "Prime Time",
}

// PassportTypeLabel maps a stored passport type code to the portal's option
// text. Unknown codes fall back to an ordinary passport.
func PassportTypeLabel(code string) string {
	if label, ok := passportTypes[code]; ok {
		return label
	}
	return defaultPassportType
}

func LocationLabel(code string) (string, bool) {
	l, ok := locations[code]
	return l, ok
}

func VisaTypeLabel(code string) (string, bool) {
	l, ok := visaTypes[code]
	return l, ok
}

func VisaSubTypeLabel(code string) (string, bool) {
	l, ok := visaSubTypes[code]
	return l, ok
}

func CategoryLabel(code string) (string, bool) {
	l, ok := categories[code]
	return l, ok
}
