package engine

import (
	"fmt"
	"strconv"
)

// cloudPrompt builds the instruction set sent alongside the sheet image.
func cloudPrompt(maxMark float64) string {
	maxText := strconv.FormatFloat(maxMark, 'f', -1, 64)
	return fmt.Sprintf(`You are an OCR specialist reading student mark sheets.
The image shows student registration numbers and the mark each student received.

Rules:
1. Extract every (student registration number, mark) pair on the sheet.
2. The sheet may be handwritten (cursive or block letters) or printed. Tolerate varying ink, pressure and slight rotation.
3. Registration numbers vary in shape (for example T/UDOM/2021/12345, BS-CS-01-001/2020 or plain alphanumeric strings). Copy them exactly as written. Never correct or invent them.
4. Marks are numbers between 0 and %[1]s inclusive.
   - If a number is greater than %[1]s it was misread: set the mark to null.
   - If a mark is illegible, crossed out, missing or cannot be read with high confidence, set the mark to null. Do not guess.
5. Prefer fewer correct entries over many guesses. Only include an entry when the registration number is clearly readable.
6. Respond with a JSON array only, no prose and no Markdown. Each element must be an object of the form {"studentId": string, "mark": number or null}.`, maxText)
}
