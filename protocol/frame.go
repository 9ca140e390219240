package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFieldBytes é o limite padrão de tamanho de um campo
const DefaultMaxFieldBytes = 65535

// MaxFrameFields é o maior número de campos aceito em um quadro;
// nenhuma requisição usa mais que quatro
const MaxFrameFields = 16

// ErrFieldTooLarge é retornado quando um campo excede o limite do leitor.
// O quadro inteiro já foi consumido quando esse erro é retornado.
var ErrFieldTooLarge = errors.New("campo excede o tamanho máximo")

// ErrTooManyFields é retornado quando o quadro declara mais que
// MaxFrameFields campos. O quadro também é consumido por inteiro.
var ErrTooManyFields = errors.New("quadro com campos demais")

// Um quadro é um uint16 big-endian com o número de campos, seguido dos
// campos; cada campo é um uint32 big-endian com o tamanho em bytes seguido
// do texto UTF-8.

// Reader lê quadros de uma conexão
type Reader struct {
	r        *bufio.Reader
	maxField int
}

// NewReader cria um leitor de quadros. maxField <= 0 usa DefaultMaxFieldBytes.
func NewReader(r io.Reader, maxField int) *Reader {
	if maxField <= 0 {
		maxField = DefaultMaxFieldBytes
	}
	return &Reader{r: bufio.NewReader(r), maxField: maxField}
}

// ReadFrame lê o próximo quadro. Retorna io.EOF se a conexão terminou
// de forma limpa entre quadros e io.ErrUnexpectedEOF se terminou no meio.
func (r *Reader) ReadFrame() ([]string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, err
	}
	count := int(binary.BigEndian.Uint16(hdr[:]))
	if count > MaxFrameFields {
		if err := r.discard(count); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d campos, limite de %d", ErrTooManyFields, count, MaxFrameFields)
	}

	fields := make([]string, 0, count)
	oversized := false
	for i := 0; i < count; i++ {
		n, err := r.fieldLen()
		if err != nil {
			return nil, err
		}

		if n > int64(r.maxField) {
			oversized = true
			if _, err := io.CopyN(io.Discard, r.r, n); err != nil {
				return nil, unexpected(err)
			}
			continue
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return nil, unexpected(err)
		}
		fields = append(fields, string(buf))
	}

	if oversized {
		return nil, fmt.Errorf("%w: limite de %d bytes", ErrFieldTooLarge, r.maxField)
	}
	return fields, nil
}

// discard consome count campos sem guardá-los
func (r *Reader) discard(count int) error {
	for i := 0; i < count; i++ {
		n, err := r.fieldLen()
		if err != nil {
			return err
		}
		if _, err := io.CopyN(io.Discard, r.r, n); err != nil {
			return unexpected(err)
		}
	}
	return nil
}

func (r *Reader) fieldLen() (int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return 0, unexpected(err)
	}
	return int64(binary.BigEndian.Uint32(lenBuf[:])), nil
}

// Writer escreve quadros em uma conexão
type Writer struct {
	w *bufio.Writer
}

// NewWriter cria um escritor de quadros
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteFrame escreve um quadro completo e descarrega o buffer
func (w *Writer) WriteFrame(fields ...string) error {
	if len(fields) > math.MaxUint16 {
		return fmt.Errorf("quadro com campos demais: %d", len(fields))
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(fields)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}

	for _, f := range fields {
		if int64(len(f)) > math.MaxUint32 {
			return fmt.Errorf("campo grande demais: %d bytes", len(f))
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		if _, err := w.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.w.WriteString(f); err != nil {
			return err
		}
	}

	return w.w.Flush()
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
