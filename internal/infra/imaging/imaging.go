// Package imaging собирает каталог страниц альбома в один PDF и готовит
// превью для чата.
//
// Страницы выбираются из первого непустого семейства расширений в порядке
// webp → jpg/jpeg → png и сортируются лексикографически (краулер нумерует файлы
// с ведущими нулями). Каждая страница перекодируется в JPEG заданного качества
// и кладётся на страницу PDF ровно своего размера при 100 dpi.
//
// Декодер подменяемый (Decoder); каждый полученный Frame закрывается на любом
// пути выхода. Assemble никогда не паникует и не возвращает ошибку: только bool.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "image/png" // регистрация формата для image.Decode

	"github.com/go-faster/errors"
	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // регистрация формата для image.Decode

	"jmcomic-bot/internal/infra/logger"
	"jmcomic-bot/internal/infra/storage"
)

// pageDPI — разрешение, в котором пиксель страницы переводится в пункты PDF.
const pageDPI = 100

const pointsPerInch = 72

// extensionFamilies — приоритет расширений; у одного альбома активно одно семейство.
var extensionFamilies = [][]string{
	{".webp"},
	{".jpg", ".jpeg"},
	{".png"},
}

// ErrPixelBudget — суммарный объём пикселей превысил бюджет (аналог нехватки памяти).
var ErrPixelBudget = errors.New("pixel budget exceeded")

// ErrNoPages — в каталоге нет поддерживаемых изображений.
var ErrNoPages = errors.New("no supported images")

// Options — параметры сборки.
type Options struct {
	// Quality — качество JPEG 1..100.
	Quality int
	// MaxWidth — ширина, до которой уменьшаются страницы; 0 отключает уменьшение.
	MaxWidth int
	// MaxTotalPixels — бюджет пикселей на документ; 0 без ограничения.
	MaxTotalPixels int64
}

// Frame — декодированное изображение, удерживающее ресурсы до Close.
type Frame interface {
	Image() image.Image
	Close() error
}

// Decoder открывает файл страницы.
type Decoder interface {
	Decode(path string) (Frame, error)
}

// FileDecoder декодирует webp/jpeg/png через image.Decode.
type FileDecoder struct{}

type memFrame struct {
	img image.Image
}

func (f *memFrame) Image() image.Image { return f.img }

func (f *memFrame) Close() error {
	f.img = nil
	return nil
}

// Decode читает и декодирует файл целиком.
func (FileDecoder) Decode(path string) (Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer func() { _ = file.Close() }()
	img, format, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	logger.Debug("image decoded", zap.String("file", filepath.Base(path)), zap.String("format", format))
	return &memFrame{img: img}, nil
}

// Codec — сборщик документов.
type Codec struct {
	decoder Decoder
}

// New создаёт Codec; nil-декодер заменяется на FileDecoder.
func New(decoder Decoder) *Codec {
	if decoder == nil {
		decoder = FileDecoder{}
	}
	return &Codec{decoder: decoder}
}

// ListPages возвращает упорядоченные страницы каталога (см. порядок семейств).
func ListPages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	for _, family := range extensionFamilies {
		var pages []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			for _, want := range family {
				if ext == want {
					pages = append(pages, e.Name())
					break
				}
			}
		}
		if len(pages) > 0 {
			sort.Strings(pages)
			for i, name := range pages {
				pages[i] = filepath.Join(dir, name)
			}
			return pages, nil
		}
	}
	return nil, nil
}

// Assemble собирает srcDir в outFile. false означает, что документа нет:
// частично записанный файл удаляется.
func (c *Codec) Assemble(ctx context.Context, srcDir, outFile string, opts Options) bool {
	pages, err := c.assemble(ctx, srcDir, outFile, opts)
	if err != nil {
		logger.Error("pdf assembly failed",
			zap.String("src", srcDir),
			zap.String("out", outFile),
			zap.Error(err),
		)
		storage.RemoveFile(outFile)
		return false
	}
	logger.Info("pdf assembled",
		zap.String("out", outFile),
		zap.Int("pages", pages),
		zap.Int("quality", opts.Quality),
		zap.Int("max_width", opts.MaxWidth),
	)
	return true
}

func (c *Codec) assemble(ctx context.Context, srcDir, outFile string, opts Options) (int, error) {
	files, err := ListPages(srcDir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, ErrNoPages
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	var (
		pixels int64
		pages  int
	)
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		page, err := c.encodePage(path, opts, &pixels)
		switch {
		case errors.Is(err, ErrPixelBudget):
			return pages, err
		case err != nil && i == 0:
			return pages, errors.Wrap(err, "first page")
		case err != nil:
			logger.Warn("page skipped", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}

		name := fmt.Sprintf("p%05d", i)
		info := pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPG"}, bytes.NewReader(page.jpeg))
		if info == nil || !pdf.Ok() {
			return pages, errors.Wrapf(pdf.Error(), "register %s", filepath.Base(path))
		}
		w := float64(page.width) * pointsPerInch / pageDPI
		h := float64(page.height) * pointsPerInch / pageDPI
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		pdf.ImageOptions(name, 0, 0, w, h, false, fpdf.ImageOptions{ImageType: "JPG"}, 0, "")
		if !pdf.Ok() {
			return pages, errors.Wrapf(pdf.Error(), "place %s", filepath.Base(path))
		}
		pages++
	}

	if err := storage.EnsureDir(outFile); err != nil {
		return pages, err
	}
	if err := pdf.OutputFileAndClose(outFile); err != nil {
		return pages, errors.Wrap(err, "write pdf")
	}
	return pages, nil
}

type encodedPage struct {
	jpeg          []byte
	width, height int
}

// encodePage декодирует, уменьшает и кодирует одну страницу. Frame закрывается до возврата.
func (c *Codec) encodePage(path string, opts Options, pixels *int64) (encodedPage, error) {
	frame, err := c.decoder.Decode(path)
	if err != nil {
		return encodedPage{}, err
	}
	defer func() {
		if cerr := frame.Close(); cerr != nil {
			logger.Debug("frame close failed", zap.String("file", filepath.Base(path)), zap.Error(cerr))
		}
	}()

	img := frame.Image()
	if img == nil {
		return encodedPage{}, errors.New("empty frame")
	}
	b := img.Bounds()
	if b.Empty() {
		return encodedPage{}, errors.New("zero-size image")
	}
	*pixels += int64(b.Dx()) * int64(b.Dy())
	if opts.MaxTotalPixels > 0 && *pixels > opts.MaxTotalPixels {
		return encodedPage{}, errors.Wrapf(ErrPixelBudget, "%d > %d", *pixels, opts.MaxTotalPixels)
	}

	out := flatten(downscale(img, opts.MaxWidth))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: clampQuality(opts.Quality)}); err != nil {
		return encodedPage{}, errors.Wrap(err, "encode jpeg")
	}
	ob := out.Bounds()
	return encodedPage{jpeg: buf.Bytes(), width: ob.Dx(), height: ob.Dy()}, nil
}

// ToJPEG конвертирует одну страницу в JPEG для превью в чате.
func (c *Codec) ToJPEG(src, dst string, quality, maxWidth int) error {
	frame, err := c.decoder.Decode(src)
	if err != nil {
		return err
	}
	defer func() { _ = frame.Close() }()

	img := frame.Image()
	if img == nil {
		return errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(downscale(img, maxWidth)), &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
		return errors.Wrap(err, "encode jpeg")
	}
	if err := storage.EnsureDir(dst); err != nil {
		return err
	}
	return storage.AtomicWriteFile(dst, buf.Bytes())
}

// downscale пропорционально уменьшает img до maxWidth (CatmullRom).
func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := max(1, b.Dy()*maxWidth/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

type opaquer interface {
	Opaque() bool
}

// flatten кладёт полупрозрачное изображение на белый фон: JPEG не хранит альфу.
func flatten(img image.Image) image.Image {
	if o, ok := img.(opaquer); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func clampQuality(q int) int {
	switch {
	case q < 1:
		return jpeg.DefaultQuality
	case q > 100:
		return 100
	}
	return q
}
