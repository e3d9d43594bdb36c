package cdpilot

// JavaScript snippets evaluated by the locator. The isolated-world variants
// only see open shadow roots; main-world resolution goes through the piercer
// helper, which also knows closed roots.
const (
	// queryDeepAllJS collects every match of a CSS selector in document
	// order, descending into open shadow roots.
	queryDeepAllJS = `function (sel) {
		const out = [];
		const visit = (root) => {
			let hits;
			try { hits = root.querySelectorAll(sel); } catch (e) { return; }
			out.push(...hits);
			for (const el of root.querySelectorAll('*')) {
				if (el.shadowRoot) visit(el.shadowRoot);
			}
		};
		visit(document);
		return out;
	}`

	// textDeepAllJS collects elements whose text contains the query,
	// skipping non-content containers, descending into open shadow roots.
	textDeepAllJS = `function (query) {
		const SKIP = new Set(['SCRIPT', 'STYLE', 'HEAD', 'META', 'LINK', 'NOSCRIPT', 'TEMPLATE']);
		const matches = [];
		const visit = (root) => {
			for (const el of root.querySelectorAll('*')) {
				if (SKIP.has(el.tagName)) continue;
				if ((el.textContent || '').includes(query)) matches.push(el);
				if (el.shadowRoot) visit(el.shadowRoot);
			}
		};
		visit(document);
		const inner = matches.filter((el) => !matches.some((o) => o !== el && el.contains(o)));
		if (inner.length) return inner;
		return matches.length ? [matches[matches.length - 1]] : [];
	}`

	// focusJS focuses the element.
	focusJS = `function () { this.focus(); }`

	// fillJS writes a value into form controls or text content elsewhere,
	// then fires input and change.
	fillJS = `function (value) {
		if ('value' in this && this.tagName !== 'DIV') {
			this.value = value;
		} else {
			this.textContent = value;
		}
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`

	// selectOptionJS selects options by label or value and reports what was
	// actually selected.
	selectOptionJS = `function (values) {
		if (this.tagName !== 'SELECT') return [];
		const want = new Set(values);
		const selected = [];
		for (const opt of this.options) {
			const hit = want.has(opt.value) || want.has(opt.label) || want.has(opt.textContent.trim());
			opt.selected = hit && (this.multiple || selected.length === 0);
			if (opt.selected) selected.push(opt.value);
		}
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
		return selected;
	}`

	// visibleJS reports layout visibility.
	visibleJS = `function () {
		return Boolean(this.offsetWidth || this.offsetHeight || this.getClientRects().length);
	}`

	// checkedJS reports the checked state of checkables.
	checkedJS = `function () { return Boolean(this.checked); }`

	// inputValueJS reads a form control's value.
	inputValueJS = `function () { return this.value === undefined ? '' : String(this.value); }`

	// textContentJS reads textContent.
	textContentJS = `function () { return this.textContent || ''; }`

	// innerHTMLJS reads innerHTML.
	innerHTMLJS = `function () { return this.innerHTML; }`

	// innerTextJS reads innerText.
	innerTextJS = `function () { return this.innerText; }`

	// scrollableXPathsJS reports the local XPaths of scrollable elements in
	// the same tag[n] step format the DOM index produces, so the results
	// map back onto backend node ids.
	scrollableXPathsJS = `function () {
		const out = [];
		const stepFor = (el) => {
			const name = el.localName;
			let n = 0;
			for (let sib = el.parentNode.firstElementChild; sib; sib = sib.nextElementSibling) {
				if (sib.localName === name) {
					n++;
					if (sib === el) break;
				}
			}
			return name + '[' + n + ']';
		};
		const xpathOf = (el) => {
			const parts = [];
			for (let cur = el; cur && cur.nodeType === 1; cur = cur.parentElement) {
				parts.unshift(stepFor(cur));
			}
			return '/' + parts.join('/');
		};
		const isScrollable = (el) => {
			if (el === document.documentElement) {
				return el.scrollHeight > el.clientHeight || el.scrollWidth > el.clientWidth;
			}
			const style = getComputedStyle(el);
			const overflows = /(auto|scroll|overlay)/.test(style.overflow + style.overflowX + style.overflowY);
			return overflows && (el.scrollHeight > el.clientHeight || el.scrollWidth > el.clientWidth);
		};
		for (const el of document.querySelectorAll('*')) {
			if (isScrollable(el)) out.push(xpathOf(el));
		}
		return out;
	}`
)
